/**
 * @description
 * BenefitService drives the benefit lifecycle: assignment, activation, deactivation,
 * reactivation and voucher renewal. Every transition runs under the per-record lock and
 * is saved with an optimistic version check; once committed it is synchronized into the
 * code/fund ledgers, written to the event log and published on the events exchange.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - github.com/sirupsen/logrus: structured logging.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bnp/benefit-service/internal/catalog"
	"github.com/bnp/benefit-service/internal/domain"
	"github.com/bnp/benefit-service/internal/lock"
	"github.com/bnp/benefit-service/internal/metrics"
	"github.com/bnp/benefit-service/internal/policy"
	"github.com/bnp/benefit-service/internal/store"
	"github.com/bnp/benefit-service/pkg/rabbitmq"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	maxSaveAttempts    = 3
	defaultEventsLimit = 100
	maxEventsLimit     = 500
)

// TransitionResult is returned by the operations that trigger ledger synchronization.
type TransitionResult struct {
	Benefit         *domain.BenefitRecord `json:"benefit"`
	Synchronization domain.SyncResult     `json:"synchronization"`
}

type BenefitService struct {
	repo        store.Repository
	catalog     *catalog.Catalog
	policies    *policy.Registry
	locker      lock.Locker
	sync        *Synchronizer
	publisher   rabbitmq.Publisher
	metrics     *metrics.Metrics
	log         *logrus.Entry
	dedupWindow time.Duration
	now         func() time.Time
}

func NewBenefitService(repo store.Repository, cat *catalog.Catalog, policies *policy.Registry, locker lock.Locker, syncer *Synchronizer, publisher rabbitmq.Publisher, m *metrics.Metrics, log *logrus.Entry, dedupWindow time.Duration) *BenefitService {
	return &BenefitService{
		repo:        repo,
		catalog:     cat,
		policies:    policies,
		locker:      locker,
		sync:        syncer,
		publisher:   publisher,
		metrics:     m,
		log:         log,
		dedupWindow: dedupWindow,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func requireActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	return nil
}

// Assign creates a pending_activation record for the pair.
func (s *BenefitService) Assign(ctx context.Context, actor string, beneficiaryID, serviceID uuid.UUID) (*domain.BenefitRecord, error) {
	rec, err := s.assign(ctx, actor, beneficiaryID, serviceID)
	s.metrics.ObserveTransition("assign", err)
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, rec, domain.ActionAssigned, actor, nil)
	return rec, nil
}

func (s *BenefitService) assign(ctx context.Context, actor string, beneficiaryID, serviceID uuid.UUID) (*domain.BenefitRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	exists, err := s.repo.BeneficiaryExists(ctx, beneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up beneficiary: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrBeneficiaryNotFound, beneficiaryID)
	}

	def, err := s.catalog.Lookup(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	release, err := s.locker.Lock(ctx, lock.BenefitKey(beneficiaryID, serviceID))
	if err != nil {
		return nil, fmt.Errorf("acquire benefit lock: %w", err)
	}
	defer release()

	rec, err := domain.NewBenefitRecord(beneficiaryID, serviceID, def.Name, def.Category, actor, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.repo.CreateBenefit(ctx, rec); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"benefit_id":     rec.ID,
		"beneficiary_id": beneficiaryID,
		"service_id":     serviceID,
		"category":       rec.Category,
	}).Info("benefit assigned")
	return rec, nil
}

// Activate moves a pending or inactive record to active and synchronizes the ledgers. An
// inactive record is subject to the same reactivation block as Reactivate. input only
// applies to the first activation.
func (s *BenefitService) Activate(ctx context.Context, actor string, beneficiaryID, serviceID uuid.UUID, input domain.ActivationInput) (*TransitionResult, error) {
	var action domain.EventAction
	rec, err := s.transition(ctx, actor, beneficiaryID, serviceID, func(ctx context.Context, rec *domain.BenefitRecord, now time.Time) error {
		var err error
		action, err = s.applyActivation(ctx, rec, actor, input, now)
		return err
	})
	s.metrics.ObserveTransition("activate", err)
	if err != nil {
		return nil, err
	}

	result := s.sync.OnActivated(ctx, rec, action, actor)
	s.afterCommit(ctx, rec, action, actor, &result)
	return &TransitionResult{Benefit: rec, Synchronization: result}, nil
}

// Deactivate moves an active record to inactive.
func (s *BenefitService) Deactivate(ctx context.Context, actor string, beneficiaryID, serviceID uuid.UUID, input domain.DeactivationInput) (*TransitionResult, error) {
	rec, err := s.deactivate(ctx, actor, beneficiaryID, serviceID, input)
	s.metrics.ObserveTransition("deactivate", err)
	if err != nil {
		return nil, err
	}

	result := s.sync.OnDeactivated(ctx, rec, actor)
	s.afterCommit(ctx, rec, domain.ActionDeactivated, actor, &result)
	return &TransitionResult{Benefit: rec, Synchronization: result}, nil
}

func (s *BenefitService) deactivate(ctx context.Context, actor string, beneficiaryID, serviceID uuid.UUID, input domain.DeactivationInput) (*domain.BenefitRecord, error) {
	raw := strings.TrimSpace(input.Reason)
	if raw == "" {
		return nil, fmt.Errorf("%w: deactivation reason is required", ErrInvalidInput)
	}
	reason, ok := domain.ParseDeactivationReason(raw)
	if !ok {
		return nil, fmt.Errorf("%w: unknown deactivation reason %q", ErrInvalidInput, raw)
	}

	return s.transition(ctx, actor, beneficiaryID, serviceID, func(_ context.Context, rec *domain.BenefitRecord, now time.Time) error {
		if rec.State != domain.StateActive {
			return fmt.Errorf("%w: benefit must be active to deactivate, current state is %s", ErrInvalidTransition, rec.State)
		}

		canReactivate := reason.AllowsReactivation()
		rec.State = domain.StateInactive
		rec.DeactivatedAt = domain.TimePtr(now)
		rec.Deactivation = &domain.Deactivation{
			Reason:          reason,
			Elaboration:     strings.TrimSpace(input.Elaboration),
			WouldRecontract: input.WouldRecontract,
			Notes:           strings.TrimSpace(input.Notes),
			CanReactivate:   canReactivate,
			DeactivatedBy:   actor,
		}
		rec.History.Append(domain.HistoryEntry{
			PreviousState: domain.StatePtr(domain.StateActive),
			NewState:      domain.StateInactive,
			Timestamp:     now,
			Reason:        string(reason),
			Actor:         actor,
			Extra:         map[string]any{"can_reactivate": canReactivate},
		})
		rec.Touch(actor, now)
		return nil
	})
}

// Reactivate activates an inactive record whose deactivation reason allows it. Balances
// and counters are left as they were.
func (s *BenefitService) Reactivate(ctx context.Context, actor string, beneficiaryID, serviceID uuid.UUID) (*TransitionResult, error) {
	rec, err := s.transition(ctx, actor, beneficiaryID, serviceID, func(ctx context.Context, rec *domain.BenefitRecord, now time.Time) error {
		if rec.State != domain.StateInactive {
			return fmt.Errorf("%w: benefit must be inactive to reactivate, current state is %s", ErrInvalidTransition, rec.State)
		}
		_, err := s.applyActivation(ctx, rec, actor, domain.ActivationInput{}, now)
		return err
	})
	s.metrics.ObserveTransition("reactivate", err)
	if err != nil {
		return nil, err
	}

	result := s.sync.OnActivated(ctx, rec, domain.ActionReactivated, actor)
	s.afterCommit(ctx, rec, domain.ActionReactivated, actor, &result)
	return &TransitionResult{Benefit: rec, Synchronization: result}, nil
}

// RenewVoucher restores the balance of a voucher benefit owned by beneficiaryID.
func (s *BenefitService) RenewVoucher(ctx context.Context, actor string, beneficiaryID, benefitID uuid.UUID) (*domain.BenefitRecord, error) {
	rec, err := s.renewVoucher(ctx, actor, beneficiaryID, benefitID)
	s.metrics.ObserveTransition("renew", err)
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, rec, domain.ActionVoucherRenewed, actor, nil)
	return rec, nil
}

func (s *BenefitService) renewVoucher(ctx context.Context, actor string, beneficiaryID, benefitID uuid.UUID) (*domain.BenefitRecord, error) {
	located, err := s.repo.FindBenefitByID(ctx, benefitID)
	if err != nil {
		return nil, err
	}
	if located.BeneficiaryID != beneficiaryID {
		return nil, fmt.Errorf("%w: benefit %s does not belong to beneficiary %s", store.ErrBenefitNotFound, benefitID, beneficiaryID)
	}

	return s.transition(ctx, actor, beneficiaryID, located.ServiceID, func(_ context.Context, rec *domain.BenefitRecord, now time.Time) error {
		renewer, ok := s.policies.For(rec.Category).(policy.Renewer)
		if !ok {
			return fmt.Errorf("%w: benefit %s is not a voucher", ErrInvalidOperation, rec.ID)
		}
		if err := renewer.Renew(rec, actor, now); err != nil {
			return err
		}
		rec.Touch(actor, now)
		return nil
	})
}

// ListBenefits returns every record of a beneficiary, oldest first.
func (s *BenefitService) ListBenefits(ctx context.Context, beneficiaryID uuid.UUID) ([]*domain.BenefitRecord, error) {
	exists, err := s.repo.BeneficiaryExists(ctx, beneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up beneficiary: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrBeneficiaryNotFound, beneficiaryID)
	}
	return s.repo.ListBenefitsByBeneficiary(ctx, beneficiaryID)
}

// ListEvents reads the event log, newest first.
func (s *BenefitService) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.BenefitEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultEventsLimit
	}
	if filter.Limit > maxEventsLimit {
		filter.Limit = maxEventsLimit
	}
	return s.repo.ListEvents(ctx, filter)
}

// applyActivation mutates rec into the active state and reports which action it was.
func (s *BenefitService) applyActivation(ctx context.Context, rec *domain.BenefitRecord, actor string, input domain.ActivationInput, now time.Time) (domain.EventAction, error) {
	previous := rec.State
	if previous != domain.StatePendingActivation && previous != domain.StateInactive {
		return "", fmt.Errorf("%w: benefit cannot be activated from state %s", ErrInvalidTransition, previous)
	}
	first := previous == domain.StatePendingActivation
	if !first && rec.Deactivation != nil && !rec.Deactivation.CanReactivate {
		return "", fmt.Errorf("%w: benefit cannot be reactivated after deactivation for %s", ErrForbidden, rec.Deactivation.Reason)
	}

	var def *domain.ServiceDefinition
	if first {
		var err error
		def, err = s.catalog.Lookup(ctx, rec.ServiceID)
		if err != nil {
			return "", err
		}
	}
	if err := s.policies.For(rec.Category).OnActivate(rec, def, input, now, first); err != nil {
		return "", err
	}

	rec.State = domain.StateActive
	rec.ActivatedAt = domain.TimePtr(now)
	entry := domain.HistoryEntry{
		NewState:  domain.StateActive,
		Timestamp: now,
		Reason:    "activated",
		Actor:     actor,
	}
	action := domain.ActionActivated

	if first {
		if extra := activationExtra(input); len(extra) > 0 {
			entry.Extra = extra
		}
	} else {
		entry.PreviousState = domain.StatePtr(domain.StateInactive)
		entry.Reason = "reactivated"
		if rec.Deactivation != nil {
			entry.Extra = map[string]any{"previous_deactivation_reason": string(rec.Deactivation.Reason)}
		}
		rec.ReactivatedAt = domain.TimePtr(now)
		rec.ReactivatedBy = actor
		rec.Deactivation = nil
		action = domain.ActionReactivated
	}

	rec.History.Append(entry)
	rec.Touch(actor, now)
	return action, nil
}

func activationExtra(input domain.ActivationInput) map[string]any {
	extra := map[string]any{}
	if input.AmountToReimburse != nil {
		extra["amount_to_reimburse"] = *input.AmountToReimburse
	}
	if input.Principal != nil {
		extra["principal"] = *input.Principal
	}
	if c := strings.TrimSpace(input.ContractNumber); c != "" {
		extra["contract_number"] = c
	}
	return extra
}

type mutation func(ctx context.Context, rec *domain.BenefitRecord, now time.Time) error

// transition loads the record under its lock, applies fn and saves it. A save that loses
// the version race is retried with a fresh copy.
func (s *BenefitService) transition(ctx context.Context, actor string, beneficiaryID, serviceID uuid.UUID, fn mutation) (*domain.BenefitRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	release, err := s.locker.Lock(ctx, lock.BenefitKey(beneficiaryID, serviceID))
	if err != nil {
		return nil, fmt.Errorf("acquire benefit lock: %w", err)
	}
	defer release()

	var lastErr error
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		rec, err := s.repo.FindBenefit(ctx, beneficiaryID, serviceID)
		if err != nil {
			return nil, err
		}
		if err := fn(ctx, rec, s.now()); err != nil {
			return nil, err
		}

		err = s.repo.SaveBenefit(ctx, rec)
		switch {
		case err == nil:
			return rec, nil
		case errors.Is(err, store.ErrIllegalTransition):
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		case errors.Is(err, store.ErrVersionConflict):
			lastErr = err
			s.log.WithFields(logrus.Fields{
				"benefit_id": rec.ID,
				"attempt":    attempt,
			}).Warn("benefit version conflict; reloading")
		default:
			return nil, fmt.Errorf("failed to save benefit: %w", err)
		}
	}
	return nil, lastErr
}

// afterCommit writes the event log entry and publishes the lifecycle message. Failures
// are logged, counted and appended to result when there is one.
func (s *BenefitService) afterCommit(ctx context.Context, rec *domain.BenefitRecord, action domain.EventAction, actor string, result *domain.SyncResult) {
	now := s.now()
	fields := logrus.Fields{
		"benefit_id":     rec.ID,
		"beneficiary_id": rec.BeneficiaryID,
		"action":         action,
	}

	event := domain.BenefitEvent{
		ID:            uuid.New(),
		BeneficiaryID: rec.BeneficiaryID,
		ServiceID:     rec.ServiceID,
		BenefitID:     rec.ID,
		Action:        action,
		Actor:         actor,
		OccurredAt:    now,
		Details:       map[string]any{"estado": string(rec.State), "category": string(rec.Category)},
	}
	written, err := s.repo.AppendIfAbsent(ctx, event, s.dedupWindow)
	switch {
	case err != nil:
		s.log.WithFields(fields).WithError(err).Error("failed to write event log entry")
		s.metrics.SyncFailed(metrics.TargetEventLog)
		if result != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", metrics.TargetEventLog, err))
		}
	case !written:
		s.log.WithFields(fields).Debug("event log entry deduplicated")
	}

	msg := domain.LifecycleMessage{
		BenefitID:     rec.ID,
		BeneficiaryID: rec.BeneficiaryID,
		ServiceID:     rec.ServiceID,
		Category:      rec.Category,
		State:         rec.State,
		Action:        action,
		Actor:         actor,
		OccurredAt:    now,
		Sync:          result,
	}
	if err := s.publisher.Publish(ctx, EventsExchange, action.RoutingKey(), msg); err != nil {
		s.log.WithFields(fields).WithError(err).Warn("failed to publish lifecycle event")
		s.metrics.SyncFailed(metrics.TargetPublish)
	}
}
