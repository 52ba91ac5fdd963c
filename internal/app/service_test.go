package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bnp/benefit-service/internal/domain"
	"github.com/bnp/benefit-service/internal/lock"
	"github.com/bnp/benefit-service/internal/store"
	"github.com/google/uuid"
)

func TestReimbursementActivationSyncsCode(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, env.reimbursement)

	res := env.activate(t, env.reimbursement, domain.ActivationInput{AmountToReimburse: floatPtr(10000)})

	r := res.Benefit.Reimbursement
	if r == nil {
		t.Fatalf("expected reimbursement payload")
	}
	if r.AmountToReimburse != 10000 || r.PremiumPaid != 575 || r.PremiumStatus != domain.PremiumPending {
		t.Fatalf("unexpected reimbursement payload %+v", r)
	}
	wantDue := env.clock.Now().AddDate(25, 0, 0)
	if r.ReimbursementDueDate == nil || !r.ReimbursementDueDate.Equal(wantDue) {
		t.Fatalf("expected due date %s, got %v", wantDue, r.ReimbursementDueDate)
	}
	if !res.Synchronization.CodeActivated || res.Synchronization.Failed() {
		t.Fatalf("unexpected synchronization %+v", res.Synchronization)
	}

	code, err := env.repo.FindCode(context.Background(), env.beneficiary)
	if err != nil {
		t.Fatalf("find code: %v", err)
	}
	if !code.Active || code.State != domain.CodeActive || code.Amount != 10000 || code.Premium != 575 {
		t.Fatalf("unexpected code %+v", code)
	}
	if code.History.Len() != 2 {
		t.Fatalf("expected created+activated code history, got %d entries", code.History.Len())
	}

	if env.pub.count("benefit.assigned") != 1 || env.pub.count("benefit.activated") != 1 {
		t.Fatalf("expected assigned and activated messages, got %+v", env.pub.messages)
	}
}

func TestVoucherRenewalLimit(t *testing.T) {
	env := newTestEnv(t)
	rec := env.assign(t, env.voucher)
	res := env.activate(t, env.voucher, domain.ActivationInput{})

	if res.Benefit.Voucher.FaceValue != 1500 || res.Benefit.Voucher.CurrentBalance != 1500 {
		t.Fatalf("unexpected voucher after activation %+v", res.Benefit.Voucher)
	}

	ctx := context.Background()
	for i := 1; i <= domain.VoucherMaxRenewals; i++ {
		env.clock.AddYears(1)
		renewed, err := env.svc.RenewVoucher(ctx, testActor, env.beneficiary, rec.ID)
		if err != nil {
			t.Fatalf("renewal %d: %v", i, err)
		}
		if renewed.Voucher.RenewalsUsed != i {
			t.Fatalf("expected %d renewals, got %d", i, renewed.Voucher.RenewalsUsed)
		}
	}

	env.clock.AddYears(1)
	_, err := env.svc.RenewVoucher(ctx, testActor, env.beneficiary, rec.ID)
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if !strings.Contains(err.Error(), "renewal limit reached") {
		t.Fatalf("expected limit message, got %q", err.Error())
	}

	stored := env.stored(t, env.voucher)
	if stored.Voucher.Redemptions.Len() != domain.VoucherMaxRenewals {
		t.Fatalf("expected %d redemption entries, got %d", domain.VoucherMaxRenewals, stored.Voucher.Redemptions.Len())
	}
	last, _ := stored.Voucher.Redemptions.Last()
	if last.Description != "Renewal 10 of 10" || last.Amount != 0 {
		t.Fatalf("unexpected last redemption %+v", last)
	}
	if env.pub.count("benefit.voucher.renewed") != domain.VoucherMaxRenewals {
		t.Fatalf("expected one renewal message per renewal")
	}
}

func TestVoucherRenewalTooEarly(t *testing.T) {
	env := newTestEnv(t)
	rec := env.assign(t, env.voucher)
	env.activate(t, env.voucher, domain.ActivationInput{})

	ctx := context.Background()
	if _, err := env.svc.RenewVoucher(ctx, testActor, env.beneficiary, rec.ID); err != nil {
		t.Fatalf("first renewal: %v", err)
	}
	env.clock.Advance(24 * time.Hour)
	_, err := env.svc.RenewVoucher(ctx, testActor, env.beneficiary, rec.ID)
	if !errors.Is(err, ErrInvalidOperation) || !strings.Contains(err.Error(), "not eligible") {
		t.Fatalf("expected not-eligible error, got %v", err)
	}
}

func TestRenewVoucherRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reimbursement := env.assign(t, env.reimbursement)
	env.activate(t, env.reimbursement, domain.ActivationInput{AmountToReimburse: floatPtr(100)})
	if _, err := env.svc.RenewVoucher(ctx, testActor, env.beneficiary, reimbursement.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation for non-voucher, got %v", err)
	}

	voucher := env.assign(t, env.voucher)
	if _, err := env.svc.RenewVoucher(ctx, testActor, uuid.New(), voucher.ID); !errors.Is(err, store.ErrBenefitNotFound) {
		t.Fatalf("expected ErrBenefitNotFound for foreign beneficiary, got %v", err)
	}
	if _, err := env.svc.RenewVoucher(ctx, testActor, env.beneficiary, voucher.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation for pending voucher, got %v", err)
	}
	if _, err := env.svc.RenewVoucher(ctx, testActor, env.beneficiary, uuid.New()); !errors.Is(err, store.ErrBenefitNotFound) {
		t.Fatalf("expected ErrBenefitNotFound for unknown id, got %v", err)
	}
}

func TestFinancingActivation(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, env.financing)

	_, err := env.svc.Activate(context.Background(), testActor, env.beneficiary, env.financing, domain.ActivationInput{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without principal, got %v", err)
	}
	if got := env.stored(t, env.financing).State; got != domain.StatePendingActivation {
		t.Fatalf("rejected activation must not write, state is %s", got)
	}

	res := env.activate(t, env.financing, domain.ActivationInput{Principal: floatPtr(5000), ContractNumber: " FIN-001 "})
	f := res.Benefit.Financing
	if f.PrincipalWithInterest != 5350 || f.InstallmentValue != 891.67 || f.RemainingBalance != 5350 {
		t.Fatalf("unexpected financing payload %+v", f)
	}
	if f.ContractNumber != "FIN-001" {
		t.Fatalf("expected trimmed contract number, got %q", f.ContractNumber)
	}
	if res.Synchronization.CodeActivated || res.Synchronization.FundCreatedOrActivated || res.Synchronization.Failed() {
		t.Fatalf("financing must not touch the ledgers: %+v", res.Synchronization)
	}
}

func TestReactivationBlockedByReason(t *testing.T) {
	for _, reason := range []domain.DeactivationReason{
		domain.ReasonNonpayment,
		domain.ReasonAdministrativeDecision,
		domain.ReasonContractEnded,
	} {
		t.Run(string(reason), func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.assign(t, env.reimbursement)
			env.activate(t, env.reimbursement, domain.ActivationInput{AmountToReimburse: floatPtr(200)})

			res, err := env.svc.Deactivate(ctx, testActor, env.beneficiary, env.reimbursement, domain.DeactivationInput{Reason: string(reason)})
			if err != nil {
				t.Fatalf("deactivate: %v", err)
			}
			if res.Benefit.Deactivation == nil || res.Benefit.Deactivation.CanReactivate {
				t.Fatalf("expected can_reactivate=false, got %+v", res.Benefit.Deactivation)
			}

			_, err = env.svc.Reactivate(ctx, testActor, env.beneficiary, env.reimbursement)
			if !errors.Is(err, ErrForbidden) {
				t.Fatalf("expected ErrForbidden, got %v", err)
			}
			if !strings.Contains(err.Error(), string(reason)) {
				t.Fatalf("expected message to name %s, got %q", reason, err.Error())
			}

			_, err = env.svc.Activate(ctx, testActor, env.beneficiary, env.reimbursement, domain.ActivationInput{})
			if !errors.Is(err, ErrForbidden) {
				t.Fatalf("expected Activate to honor the block, got %v", err)
			}
			if got := env.stored(t, env.reimbursement).State; got != domain.StateInactive {
				t.Fatalf("expected inactive, got %s", got)
			}
		})
	}
}

func TestFundFailureKeepsLifecycleChange(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.saveFundErr = errSimulated
	env.assign(t, env.voucher)

	res := env.activate(t, env.voucher, domain.ActivationInput{})

	if res.Benefit.State != domain.StateActive {
		t.Fatalf("expected active benefit in response, got %s", res.Benefit.State)
	}
	if got := env.stored(t, env.voucher).State; got != domain.StateActive {
		t.Fatalf("expected committed active state, got %s", got)
	}
	if !res.Synchronization.Failed() || res.Synchronization.FundCreatedOrActivated {
		t.Fatalf("expected failed fund step, got %+v", res.Synchronization)
	}
	if !strings.Contains(res.Synchronization.Errors[0], errSimulated.Error()) {
		t.Fatalf("expected error to carry the cause, got %q", res.Synchronization.Errors[0])
	}
	if _, err := env.repo.FindFund(context.Background(), env.beneficiary); !errors.Is(err, store.ErrFundNotFound) {
		t.Fatalf("expected no fund, got %v", err)
	}
	if env.pub.count(SyncFailedRoutingKey) != 1 {
		t.Fatalf("expected one sync failure message")
	}
}

func TestLateActivationSyncYieldsToDeactivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.assign(t, env.voucher)

	gate := newGatedLocker(env.locker, lock.LedgerKey(env.beneficiary))
	syncer := env.newSynchronizer(env.ledger)
	syncer.locker = gate
	syncer.cfg.Timeout = 10 * time.Second
	env.svc.sync = syncer

	type outcome struct {
		res *TransitionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := env.svc.Activate(ctx, testActor, env.beneficiary, env.voucher, domain.ActivationInput{})
		done <- outcome{res, err}
	}()

	select {
	case <-gate.held:
	case <-time.After(5 * time.Second):
		t.Fatalf("activation never reached the ledger lock")
	}

	deact, err := env.svc.Deactivate(ctx, testActor, env.beneficiary, env.voucher, domain.DeactivationInput{Reason: "beneficiary_request"})
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if deact.Synchronization.Failed() {
		t.Fatalf("unexpected deactivation sync errors %+v", deact.Synchronization)
	}

	close(gate.release)
	var activated outcome
	select {
	case activated = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("activation did not finish")
	}
	if activated.err != nil {
		t.Fatalf("activate: %v", activated.err)
	}
	if activated.res.Synchronization.Failed() || activated.res.Synchronization.FundCreatedOrActivated {
		t.Fatalf("superseded activation must not touch the fund, got %+v", activated.res.Synchronization)
	}

	if got := env.stored(t, env.voucher).State; got != domain.StateInactive {
		t.Fatalf("expected inactive record, got %s", got)
	}
	if fund, err := env.repo.FindFund(ctx, env.beneficiary); !errors.Is(err, store.ErrFundNotFound) {
		t.Fatalf("expected no fund for an inactive voucher, got %+v (%v)", fund, err)
	}
}

func TestReactivationKeepsRecordAmountOnCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.assign(t, env.reimbursement)
	env.activate(t, env.reimbursement, domain.ActivationInput{AmountToReimburse: floatPtr(10000)})

	if _, err := env.svc.Deactivate(ctx, testActor, env.beneficiary, env.reimbursement, domain.DeactivationInput{Reason: "other"}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	res := env.activate(t, env.reimbursement, domain.ActivationInput{AmountToReimburse: floatPtr(20000)})
	if !res.Synchronization.CodeActivated {
		t.Fatalf("expected code activation, got %+v", res.Synchronization)
	}

	rec := env.stored(t, env.reimbursement)
	if rec.Reimbursement.AmountToReimburse != 10000 || rec.Reimbursement.PremiumPaid != 575 {
		t.Fatalf("reactivation must not reinitialize the record, got %+v", rec.Reimbursement)
	}
	code, err := env.repo.FindCode(ctx, env.beneficiary)
	if err != nil {
		t.Fatalf("find code: %v", err)
	}
	if code.Amount != rec.Reimbursement.AmountToReimburse || code.Premium != 575 {
		t.Fatalf("code amount %v does not match record amount %v", code.Amount, rec.Reimbursement.AmountToReimburse)
	}

	report, err := env.newReconciler(10).ReconcileBeneficiary(ctx, env.beneficiary)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Repaired) != 0 || len(report.Errors) != 0 {
		t.Fatalf("expected no drift after reactivation, got %+v", report)
	}
}

func TestActivateTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, env.other)
	env.activate(t, env.other, domain.ActivationInput{})

	_, err := env.svc.Activate(context.Background(), testActor, env.beneficiary, env.other, domain.ActivationInput{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := env.stored(t, env.other).History.Len(); got != 2 {
		t.Fatalf("expected 2 history entries, got %d", got)
	}
}

func TestReactivationKeepsVoucherState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.assign(t, env.voucher)
	env.activate(t, env.voucher, domain.ActivationInput{})
	if _, err := env.svc.RenewVoucher(ctx, testActor, env.beneficiary, rec.ID); err != nil {
		t.Fatalf("renew: %v", err)
	}
	before := env.stored(t, env.voucher)

	deact, err := env.svc.Deactivate(ctx, testActor, env.beneficiary, env.voucher, domain.DeactivationInput{
		Reason:      string(domain.ReasonBeneficiaryRequest),
		Elaboration: "moving abroad",
	})
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if !deact.Synchronization.FundDeactivated {
		t.Fatalf("expected fund deactivation, got %+v", deact.Synchronization)
	}

	env.clock.Advance(time.Hour)
	res, err := env.svc.Reactivate(ctx, "user_admin_2", env.beneficiary, env.voucher)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}

	after := res.Benefit
	if after.Voucher.RenewalsUsed != before.Voucher.RenewalsUsed || after.Voucher.CurrentBalance != before.Voucher.CurrentBalance {
		t.Fatalf("reactivation reset voucher state: before %+v after %+v", before.Voucher, after.Voucher)
	}
	if after.Deactivation != nil || after.ReactivatedBy != "user_admin_2" || after.ReactivatedAt == nil {
		t.Fatalf("unexpected reactivation metadata %+v", after)
	}
	if !res.Synchronization.FundCreatedOrActivated {
		t.Fatalf("expected fund reactivation, got %+v", res.Synchronization)
	}

	entries := after.History.Entries()
	last := entries[len(entries)-1]
	if last.Reason != "reactivated" || last.PreviousState == nil || *last.PreviousState != domain.StateInactive {
		t.Fatalf("unexpected reactivation history entry %+v", last)
	}
	if entries[0].PreviousState != nil || entries[1].PreviousState != nil {
		t.Fatalf("assignment and first activation must omit the previous state")
	}

	fund, err := env.repo.FindFund(ctx, env.beneficiary)
	if err != nil {
		t.Fatalf("find fund: %v", err)
	}
	if fund.State != domain.FundActive || fund.Balance != 1000 || fund.Movements.Len() != 3 {
		t.Fatalf("unexpected fund %+v", fund)
	}
}

func TestDeactivationValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.assign(t, env.other)

	tests := []struct {
		name  string
		input domain.DeactivationInput
		want  error
	}{
		{"missing reason", domain.DeactivationInput{}, ErrInvalidInput},
		{"unknown reason", domain.DeactivationInput{Reason: "bored"}, ErrInvalidInput},
		{"not active", domain.DeactivationInput{Reason: "other"}, ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Deactivate(ctx, testActor, env.beneficiary, env.other, tt.input)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := env.svc.Reactivate(ctx, testActor, env.beneficiary, env.other); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition reactivating a pending record, got %v", err)
	}
	if _, err := env.svc.Activate(ctx, "  ", env.beneficiary, env.other, domain.ActivationInput{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without actor, got %v", err)
	}
	if _, err := env.svc.Activate(ctx, testActor, env.beneficiary, uuid.New(), domain.ActivationInput{}); !errors.Is(err, store.ErrBenefitNotFound) {
		t.Fatalf("expected ErrBenefitNotFound, got %v", err)
	}
}

func TestAssignErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Assign(ctx, testActor, uuid.New(), env.voucher); !errors.Is(err, store.ErrBeneficiaryNotFound) {
		t.Fatalf("expected ErrBeneficiaryNotFound, got %v", err)
	}
	if _, err := env.svc.Assign(ctx, testActor, env.beneficiary, uuid.New()); !errors.Is(err, store.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}

	rec := env.assign(t, env.voucher)
	if rec.State != domain.StatePendingActivation || rec.Category != domain.CategoryVoucher || rec.Voucher == nil {
		t.Fatalf("unexpected assigned record %+v", rec)
	}
	if _, err := env.svc.Assign(ctx, testActor, env.beneficiary, env.voucher); !errors.Is(err, store.ErrBenefitAlreadyAssigned) {
		t.Fatalf("expected ErrBenefitAlreadyAssigned, got %v", err)
	}
}

func TestReimbursementDeactivationAndReactivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.assign(t, env.reimbursement)
	env.activate(t, env.reimbursement, domain.ActivationInput{AmountToReimburse: floatPtr(10000)})

	deact, err := env.svc.Deactivate(ctx, testActor, env.beneficiary, env.reimbursement, domain.DeactivationInput{Reason: "financial_difficulty"})
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if !deact.Synchronization.CodeDeactivated {
		t.Fatalf("expected code deactivation, got %+v", deact.Synchronization)
	}

	res, err := env.svc.Reactivate(ctx, testActor, env.beneficiary, env.reimbursement)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if !res.Synchronization.CodeActivated {
		t.Fatalf("expected code activation, got %+v", res.Synchronization)
	}

	code, err := env.repo.FindCode(ctx, env.beneficiary)
	if err != nil {
		t.Fatalf("find code: %v", err)
	}
	if !code.Active || code.Amount != 10000 || code.Premium != 575 {
		t.Fatalf("expected reactivation to reuse the stored amount, got %+v", code)
	}
	if code.History.Len() != 4 {
		t.Fatalf("expected 4 code history entries, got %d", code.History.Len())
	}
}

func TestDeactivateWithoutLedgerIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.saveCodeErr = errSimulated
	env.assign(t, env.reimbursement)
	activated := env.activate(t, env.reimbursement, domain.ActivationInput{AmountToReimburse: floatPtr(50)})
	if !activated.Synchronization.Failed() {
		t.Fatalf("expected code step to fail")
	}

	res, err := env.svc.Deactivate(context.Background(), testActor, env.beneficiary, env.reimbursement, domain.DeactivationInput{Reason: "other"})
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if res.Synchronization.Failed() || res.Synchronization.CodeDeactivated {
		t.Fatalf("missing code must be a no-op, got %+v", res.Synchronization)
	}
}

func TestEventLogDeduplicatesWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.assign(t, env.other)
	env.activate(t, env.other, domain.ActivationInput{})

	deactivate := func() {
		t.Helper()
		if _, err := env.svc.Deactivate(ctx, testActor, env.beneficiary, env.other, domain.DeactivationInput{Reason: "other"}); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
	}
	deactivate()
	env.clock.Advance(10 * time.Second)
	if _, err := env.svc.Reactivate(ctx, testActor, env.beneficiary, env.other); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	env.clock.Advance(10 * time.Second)
	deactivate()

	events, err := env.svc.ListEvents(ctx, domain.EventFilter{BeneficiaryID: &env.beneficiary})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events after dedup, got %d", len(events))
	}

	env.clock.Advance(2 * time.Minute)
	if _, err := env.svc.Reactivate(ctx, testActor, env.beneficiary, env.other); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	events, err = env.svc.ListEvents(ctx, domain.EventFilter{Action: domain.ActionReactivated})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 reactivation events outside the window, got %d", len(events))
	}
}

func TestConcurrentActivationsSerialize(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, env.voucher)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Activate(context.Background(), testActor, env.beneficiary, env.voucher, domain.ActivationInput{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInvalidTransition):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || conflicts != workers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", workers-1, succeeded, conflicts)
	}
	if got := env.stored(t, env.voucher).History.Len(); got != 2 {
		t.Fatalf("expected 2 history entries, got %d", got)
	}
}

func TestHistoryNeverShrinks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.assign(t, env.other)

	steps := []func() error{
		func() error {
			_, err := env.svc.Activate(ctx, testActor, env.beneficiary, env.other, domain.ActivationInput{})
			return err
		},
		func() error {
			_, err := env.svc.Activate(ctx, testActor, env.beneficiary, env.other, domain.ActivationInput{})
			return err
		},
		func() error {
			_, err := env.svc.Deactivate(ctx, testActor, env.beneficiary, env.other, domain.DeactivationInput{Reason: "contract_ended"})
			return err
		},
		func() error {
			_, err := env.svc.Reactivate(ctx, testActor, env.beneficiary, env.other)
			return err
		},
	}

	prev := env.stored(t, env.other).History.Len()
	for i, step := range steps {
		_ = step()
		rec := env.stored(t, env.other)
		if rec.History.Len() < prev {
			t.Fatalf("step %d shrank history from %d to %d", i, prev, rec.History.Len())
		}
		if !rec.State.Valid() {
			t.Fatalf("step %d wrote undeclared state %q", i, rec.State)
		}
		prev = rec.History.Len()
	}
	if prev != 3 {
		t.Fatalf("expected 3 history entries, got %d", prev)
	}
}

func TestListBenefits(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, env.voucher)
	env.clock.Advance(time.Second)
	env.assign(t, env.financing)

	list, err := env.svc.ListBenefits(context.Background(), env.beneficiary)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Voucher == nil || list[1].Financing == nil {
		t.Fatalf("unexpected list %+v", list)
	}

	if _, err := env.svc.ListBenefits(context.Background(), uuid.New()); !errors.Is(err, store.ErrBeneficiaryNotFound) {
		t.Fatalf("expected ErrBeneficiaryNotFound, got %v", err)
	}
}
