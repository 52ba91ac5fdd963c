package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bnp/benefit-service/internal/domain"
	"github.com/bnp/benefit-service/internal/metrics"
	"github.com/bnp/benefit-service/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	reconcileActor        = "system:reconciler"
	reconcileConcurrency  = 4
	defaultReconcileBatch = 100
)

// ReconcileReport describes what one beneficiary's reconciliation did.
type ReconcileReport struct {
	BeneficiaryID uuid.UUID `json:"beneficiary_id"`
	Checked       int       `json:"checked"`
	Repaired      []string  `json:"repaired"`
	Errors        []string  `json:"errors"`
}

// ReconcileSummary aggregates a full pass.
type ReconcileSummary struct {
	Beneficiaries int `json:"beneficiaries"`
	Repaired      int `json:"repaired"`
	Failed        int `json:"failed"`
}

// Reconciler re-derives code and fund state from benefit records and repairs drift left
// behind by failed synchronization steps.
type Reconciler struct {
	repo      store.BenefitRepository
	ledger    store.LedgerRepository
	sync      *Synchronizer
	metrics   *metrics.Metrics
	log       *logrus.Entry
	batchSize int
}

func NewReconciler(repo store.BenefitRepository, ledger store.LedgerRepository, syncer *Synchronizer, m *metrics.Metrics, log *logrus.Entry, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = defaultReconcileBatch
	}
	return &Reconciler{
		repo:      repo,
		ledger:    ledger,
		sync:      syncer,
		metrics:   m,
		log:       log,
		batchSize: batchSize,
	}
}

// ReconcileBeneficiary compares the code and fund of a beneficiary with the records that
// govern them and re-runs the matching synchronization step where they disagree.
func (r *Reconciler) ReconcileBeneficiary(ctx context.Context, beneficiaryID uuid.UUID) (*ReconcileReport, error) {
	records, err := r.repo.ListBenefitsByBeneficiary(ctx, beneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("list benefits: %w", err)
	}

	report := &ReconcileReport{BeneficiaryID: beneficiaryID, Repaired: []string{}, Errors: []string{}}
	var codeRec, fundRec *domain.BenefitRecord
	for _, rec := range records {
		if rec.State != domain.StateActive && rec.State != domain.StateInactive {
			continue
		}
		switch rec.Category {
		case domain.CategoryReimbursement:
			codeRec = governing(codeRec, rec)
		case domain.CategoryVoucher:
			fundRec = governing(fundRec, rec)
		default:
			continue
		}
		report.Checked++
	}

	if codeRec != nil {
		r.reconcileCode(ctx, codeRec, report)
	}
	if fundRec != nil {
		r.reconcileFund(ctx, fundRec, report)
	}
	return report, nil
}

// governing picks the record that decides the ledger state: an active record wins over an
// inactive one, otherwise the most recently updated.
func governing(current, candidate *domain.BenefitRecord) *domain.BenefitRecord {
	if current == nil {
		return candidate
	}
	currentActive := current.State == domain.StateActive
	candidateActive := candidate.State == domain.StateActive
	if currentActive != candidateActive {
		if candidateActive {
			return candidate
		}
		return current
	}
	if candidate.UpdatedAt.After(current.UpdatedAt) {
		return candidate
	}
	return current
}

func (r *Reconciler) reconcileCode(ctx context.Context, rec *domain.BenefitRecord, report *ReconcileReport) {
	code, err := r.ledger.FindCode(ctx, rec.BeneficiaryID)
	if err != nil && !errors.Is(err, store.ErrCodeNotFound) {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", metrics.TargetCode, err))
		return
	}

	var result domain.SyncResult
	var repair string
	switch rec.State {
	case domain.StateActive:
		if code != nil && code.Active && code.Amount == codeAmount(rec) {
			return
		}
		result = r.sync.OnActivated(ctx, rec, domain.ActionActivated, reconcileActor)
		repair = "code:activated"
	case domain.StateInactive:
		if code == nil || !code.Active {
			return
		}
		result = r.sync.OnDeactivated(ctx, rec, reconcileActor)
		repair = "code:deactivated"
	}
	r.record(report, result, repair, metrics.TargetCode)
}

func (r *Reconciler) reconcileFund(ctx context.Context, rec *domain.BenefitRecord, report *ReconcileReport) {
	fund, err := r.ledger.FindFund(ctx, rec.BeneficiaryID)
	if err != nil && !errors.Is(err, store.ErrFundNotFound) {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", metrics.TargetFund, err))
		return
	}

	var result domain.SyncResult
	var repair string
	switch rec.State {
	case domain.StateActive:
		if fund != nil && fund.State == domain.FundActive {
			return
		}
		result = r.sync.OnActivated(ctx, rec, domain.ActionActivated, reconcileActor)
		repair = "fund:activated"
	case domain.StateInactive:
		if fund == nil || fund.State != domain.FundActive {
			return
		}
		result = r.sync.OnDeactivated(ctx, rec, reconcileActor)
		repair = "fund:deactivated"
	}
	r.record(report, result, repair, metrics.TargetFund)
}

func (r *Reconciler) record(report *ReconcileReport, result domain.SyncResult, repair, target string) {
	if result.Failed() {
		report.Errors = append(report.Errors, result.Errors...)
		return
	}
	report.Repaired = append(report.Repaired, repair)
	r.metrics.Repaired(target)
	r.log.WithFields(logrus.Fields{
		"beneficiary_id": report.BeneficiaryID,
		"repair":         repair,
	}).Info("ledger drift repaired")
}

// ReconcileAll pages through every beneficiary holding voucher or reimbursement records
// and reconciles them, at most reconcileConcurrency at a time.
func (r *Reconciler) ReconcileAll(ctx context.Context) (ReconcileSummary, error) {
	var (
		summary ReconcileSummary
		mu      sync.Mutex
		after   = uuid.Nil
	)

	for {
		ids, err := r.repo.ListReconcileCandidates(ctx, after, r.batchSize)
		if err != nil {
			err = fmt.Errorf("list reconcile candidates: %w", err)
			r.metrics.ReconcileRun(err)
			return summary, err
		}
		if len(ids) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(reconcileConcurrency)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				report, err := r.ReconcileBeneficiary(gctx, id)

				mu.Lock()
				defer mu.Unlock()
				summary.Beneficiaries++
				if err != nil {
					summary.Failed++
					r.log.WithField("beneficiary_id", id).WithError(err).Warn("reconciliation failed")
					return nil
				}
				summary.Repaired += len(report.Repaired)
				if len(report.Errors) > 0 {
					summary.Failed++
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			r.metrics.ReconcileRun(err)
			return summary, err
		}
		if len(ids) < r.batchSize {
			break
		}
		after = ids[len(ids)-1]
	}

	r.metrics.ReconcileRun(nil)
	r.log.WithFields(logrus.Fields{
		"beneficiaries": summary.Beneficiaries,
		"repaired":      summary.Repaired,
		"failed":        summary.Failed,
	}).Info("reconciliation pass finished")
	return summary, nil
}
