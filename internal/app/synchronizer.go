/**
 * @description
 * Propagates committed lifecycle changes into the beneficiary's code (reimbursement
 * benefits) and fund (voucher benefits). Each step is bounded by a failsafe timeout and
 * serialized per beneficiary through the ledger lock. A failed step is reported in the
 * returned SyncResult and published as benefit.sync.failed; it never undoes the
 * lifecycle change and is not retried here (see Reconciler).
 *
 * @dependencies
 * - github.com/failsafe-go/failsafe-go: per-step timeout policy.
 * - github.com/sirupsen/logrus: structured logging.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnp/benefit-service/internal/domain"
	"github.com/bnp/benefit-service/internal/lock"
	"github.com/bnp/benefit-service/internal/metrics"
	"github.com/bnp/benefit-service/internal/policy"
	"github.com/bnp/benefit-service/internal/store"
	"github.com/bnp/benefit-service/pkg/rabbitmq"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/timeout"
	"github.com/sirupsen/logrus"
)

const (
	EventsExchange       = "benefits.events"
	SyncFailedRoutingKey = "benefit.sync.failed"
	defaultSyncTimeout   = 5 * time.Second
	defaultFundValidity  = 365 * 24 * time.Hour
)

// SyncConfig carries the tunables of the synchronizer.
type SyncConfig struct {
	Timeout            time.Duration
	FundInitialBalance float64
	FundValidity       time.Duration
}

// Synchronizer keeps codes and funds in line with benefit records.
type Synchronizer struct {
	records   store.BenefitRepository
	ledger    store.LedgerRepository
	locker    lock.Locker
	publisher rabbitmq.Publisher
	metrics   *metrics.Metrics
	log       *logrus.Entry
	cfg       SyncConfig
	now       func() time.Time
}

func NewSynchronizer(records store.BenefitRepository, ledger store.LedgerRepository, locker lock.Locker, publisher rabbitmq.Publisher, m *metrics.Metrics, log *logrus.Entry, cfg SyncConfig) *Synchronizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSyncTimeout
	}
	if cfg.FundValidity <= 0 {
		cfg.FundValidity = defaultFundValidity
	}
	return &Synchronizer{
		records:   records,
		ledger:    ledger,
		locker:    locker,
		publisher: publisher,
		metrics:   m,
		log:       log,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnActivated runs the activate-side steps for rec. The code is written with the
// amount_to_reimburse the record carries.
func (s *Synchronizer) OnActivated(ctx context.Context, rec *domain.BenefitRecord, action domain.EventAction, actor string) domain.SyncResult {
	result := domain.SyncResult{Errors: []string{}}

	switch rec.Category {
	case domain.CategoryReimbursement:
		applied, err := s.step(ctx, rec, action, metrics.TargetCode, domain.StateActive, func(stepCtx context.Context, current *domain.BenefitRecord) error {
			return s.activateCode(stepCtx, current, actor, string(action))
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", metrics.TargetCode, err))
		} else {
			result.CodeActivated = applied
		}
	case domain.CategoryVoucher:
		applied, err := s.step(ctx, rec, action, metrics.TargetFund, domain.StateActive, func(stepCtx context.Context, current *domain.BenefitRecord) error {
			return s.ensureFundActive(stepCtx, current, actor)
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", metrics.TargetFund, err))
		} else {
			result.FundCreatedOrActivated = applied
		}
	}
	return result
}

// OnDeactivated runs the deactivate-side steps for rec. A missing code or fund is not an
// error; the matching flag simply stays false.
func (s *Synchronizer) OnDeactivated(ctx context.Context, rec *domain.BenefitRecord, actor string) domain.SyncResult {
	result := domain.SyncResult{Errors: []string{}}

	switch rec.Category {
	case domain.CategoryReimbursement:
		var found bool
		applied, err := s.step(ctx, rec, domain.ActionDeactivated, metrics.TargetCode, domain.StateInactive, func(stepCtx context.Context, current *domain.BenefitRecord) error {
			var err error
			found, err = s.deactivateCode(stepCtx, current, actor)
			return err
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", metrics.TargetCode, err))
		} else {
			result.CodeDeactivated = applied && found
		}
	case domain.CategoryVoucher:
		var found bool
		applied, err := s.step(ctx, rec, domain.ActionDeactivated, metrics.TargetFund, domain.StateInactive, func(stepCtx context.Context, current *domain.BenefitRecord) error {
			var err error
			found, err = s.deactivateFund(stepCtx, current, actor)
			return err
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", metrics.TargetFund, err))
		} else {
			result.FundDeactivated = applied && found
		}
	}
	return result
}

// step runs fn under the ledger lock of the beneficiary, bounded by the sync timeout.
// Lock acquisition counts against the same timeout. The record is reloaded under the
// lock; once it has left state want, a later transition owns the ledger and fn is
// skipped (applied=false).
func (s *Synchronizer) step(ctx context.Context, rec *domain.BenefitRecord, action domain.EventAction, target string, want domain.BenefitState, fn func(context.Context, *domain.BenefitRecord) error) (bool, error) {
	started := time.Now()
	executor := failsafe.With[any](timeout.New[any](s.cfg.Timeout))

	applied := false
	err := executor.WithContext(ctx).RunWithExecution(func(exec failsafe.Execution[any]) error {
		stepCtx := exec.Context()
		release, err := s.locker.Lock(stepCtx, lock.LedgerKey(rec.BeneficiaryID))
		if err != nil {
			return fmt.Errorf("acquire ledger lock: %w", err)
		}
		defer release()

		current, err := s.records.FindBenefit(stepCtx, rec.BeneficiaryID, rec.ServiceID)
		if err != nil {
			return fmt.Errorf("reload benefit: %w", err)
		}
		if current.State != want {
			s.log.WithFields(logrus.Fields{
				"benefit_id": rec.ID,
				"action":     action,
				"target":     target,
				"estado":     current.State,
			}).Info("benefit changed since commit; leaving ledger to the newer transition")
			return nil
		}
		if err := fn(stepCtx, current); err != nil {
			return err
		}
		applied = true
		return nil
	})
	s.metrics.ObserveSync(target, started)

	if err != nil {
		if errors.Is(err, timeout.ErrExceeded) {
			err = fmt.Errorf("timed out after %s: %w", s.cfg.Timeout, err)
		}
		s.fail(ctx, rec, action, target, err)
		return false, err
	}
	return applied, nil
}

// codeAmount is the reimbursable amount of rec. The record is the source of truth; a
// reactivation never changes it.
func codeAmount(rec *domain.BenefitRecord) float64 {
	if rec.Reimbursement == nil {
		return 0
	}
	return rec.Reimbursement.AmountToReimburse
}

func (s *Synchronizer) fail(ctx context.Context, rec *domain.BenefitRecord, action domain.EventAction, target string, err error) {
	s.log.WithFields(logrus.Fields{
		"benefit_id":     rec.ID,
		"beneficiary_id": rec.BeneficiaryID,
		"action":         action,
		"target":         target,
	}).WithError(err).Error("ledger synchronization failed")
	s.metrics.SyncFailed(target)

	msg := domain.SyncFailedMessage{
		BenefitID:     rec.ID,
		BeneficiaryID: rec.BeneficiaryID,
		Action:        action,
		Target:        target,
		Error:         err.Error(),
		OccurredAt:    s.now(),
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()
	if pubErr := s.publisher.Publish(pubCtx, EventsExchange, SyncFailedRoutingKey, msg); pubErr != nil {
		s.log.WithField("benefit_id", rec.ID).WithError(pubErr).Warn("failed to publish sync failure")
		s.metrics.SyncFailed(metrics.TargetPublish)
	}
}

func (s *Synchronizer) activateCode(ctx context.Context, rec *domain.BenefitRecord, actor, note string) error {
	now := s.now()
	amount := codeAmount(rec)
	code, err := s.ledger.FindCode(ctx, rec.BeneficiaryID)
	if errors.Is(err, store.ErrCodeNotFound) {
		code = domain.NewCode(rec.BeneficiaryID, rec.ID, actor, now)
	} else if err != nil {
		return fmt.Errorf("load code: %w", err)
	}

	code.Activate(amount, policy.Premium(amount), rec.ID, actor, note, now)
	if err := s.ledger.SaveCode(ctx, code); err != nil {
		return fmt.Errorf("save code: %w", err)
	}
	return nil
}

func (s *Synchronizer) deactivateCode(ctx context.Context, rec *domain.BenefitRecord, actor string) (bool, error) {
	code, err := s.ledger.FindCode(ctx, rec.BeneficiaryID)
	if errors.Is(err, store.ErrCodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load code: %w", err)
	}

	note := ""
	if rec.Deactivation != nil {
		note = string(rec.Deactivation.Reason)
	}
	if !code.Deactivate(rec.ID, actor, note, s.now()) {
		return true, nil
	}
	if err := s.ledger.SaveCode(ctx, code); err != nil {
		return false, fmt.Errorf("save code: %w", err)
	}
	return true, nil
}

func (s *Synchronizer) ensureFundActive(ctx context.Context, rec *domain.BenefitRecord, actor string) error {
	now := s.now()
	fund, err := s.ledger.FindFund(ctx, rec.BeneficiaryID)
	switch {
	case errors.Is(err, store.ErrFundNotFound):
		fund = domain.OpenFund(rec.BeneficiaryID, s.cfg.FundInitialBalance, s.cfg.FundValidity, rec.ID, actor, now)
	case err != nil:
		return fmt.Errorf("load fund: %w", err)
	default:
		if !fund.Reactivate(rec.ID, actor, now) {
			return nil
		}
	}

	if err := s.ledger.SaveFund(ctx, fund); err != nil {
		return fmt.Errorf("save fund: %w", err)
	}
	return nil
}

func (s *Synchronizer) deactivateFund(ctx context.Context, rec *domain.BenefitRecord, actor string) (bool, error) {
	fund, err := s.ledger.FindFund(ctx, rec.BeneficiaryID)
	if errors.Is(err, store.ErrFundNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load fund: %w", err)
	}

	reason := domain.FundReasonBeneficiaryRequest
	if rec.Deactivation != nil {
		reason = domain.FundReasonFor(rec.Deactivation.Reason)
	}
	if !fund.Deactivate(reason, rec.ID, actor, s.now()) {
		return true, nil
	}
	if err := s.ledger.SaveFund(ctx, fund); err != nil {
		return false, fmt.Errorf("save fund: %w", err)
	}
	return true, nil
}
