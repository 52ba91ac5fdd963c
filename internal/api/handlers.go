/**
 * @description
 * HTTP handlers for the benefit lifecycle endpoints. Handlers decode the request, call
 * the application service with the authenticated actor and translate sentinel errors
 * into status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/google/uuid: identifier parsing.
 * - github.com/sirupsen/logrus: error logging.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bnp/benefit-service/internal/app"
	"github.com/bnp/benefit-service/internal/domain"
	"github.com/bnp/benefit-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BenefitService is the application surface used by the handlers.
type BenefitService interface {
	Assign(ctx context.Context, actor string, beneficiaryID, serviceID uuid.UUID) (*domain.BenefitRecord, error)
	Activate(ctx context.Context, actor string, beneficiaryID, serviceID uuid.UUID, input domain.ActivationInput) (*app.TransitionResult, error)
	Deactivate(ctx context.Context, actor string, beneficiaryID, serviceID uuid.UUID, input domain.DeactivationInput) (*app.TransitionResult, error)
	Reactivate(ctx context.Context, actor string, beneficiaryID, serviceID uuid.UUID) (*app.TransitionResult, error)
	RenewVoucher(ctx context.Context, actor string, beneficiaryID, benefitID uuid.UUID) (*domain.BenefitRecord, error)
	ListBenefits(ctx context.Context, beneficiaryID uuid.UUID) ([]*domain.BenefitRecord, error)
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.BenefitEvent, error)
}

// Reconciler repairs ledger drift for one beneficiary on demand.
type Reconciler interface {
	ReconcileBeneficiary(ctx context.Context, beneficiaryID uuid.UUID) (*app.ReconcileReport, error)
}

// Handler holds the application services the handlers interact with.
type Handler struct {
	service    BenefitService
	reconciler Reconciler
	log        *logrus.Entry
}

func NewHandler(service BenefitService, reconciler Reconciler, log *logrus.Entry) *Handler {
	return &Handler{service: service, reconciler: reconciler, log: log}
}

type serviceRequest struct {
	ServiceID string `json:"serviceId"`
}

type activateRequest struct {
	ServiceID       string                  `json:"serviceId"`
	ActivationInput *domain.ActivationInput `json:"activationInput,omitempty"`
}

type deactivateRequest struct {
	ServiceID       string `json:"serviceId"`
	Reason          string `json:"reason"`
	Elaboration     string `json:"elaboration,omitempty"`
	WouldRecontract *bool  `json:"wouldRecontract,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type voucherStateResponse struct {
	BenefitID             uuid.UUID           `json:"benefit_id"`
	State                 domain.BenefitState `json:"estado"`
	FaceValue             float64             `json:"face_value"`
	CurrentBalance        float64             `json:"current_balance"`
	VouchersRedeemed      int                 `json:"vouchers_redeemed"`
	RenewalsUsed          int                 `json:"renewals_used"`
	RenewalsRemaining     int                 `json:"renewals_remaining"`
	LastRenewalAt         *time.Time          `json:"last_renewal_at"`
	NextRenewalEligibleAt *time.Time          `json:"next_renewal_eligible_at"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	actor, beneficiaryID, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	var req serviceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	serviceID, ok := parseServiceID(w, req.ServiceID)
	if !ok {
		return
	}

	rec, err := h.service.Assign(r.Context(), actor, beneficiaryID, serviceID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	actor, beneficiaryID, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	var req activateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	serviceID, ok := parseServiceID(w, req.ServiceID)
	if !ok {
		return
	}
	input := domain.ActivationInput{}
	if req.ActivationInput != nil {
		input = *req.ActivationInput
	}

	result, err := h.service.Activate(r.Context(), actor, beneficiaryID, serviceID, input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	actor, beneficiaryID, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	var req deactivateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	serviceID, ok := parseServiceID(w, req.ServiceID)
	if !ok {
		return
	}

	result, err := h.service.Deactivate(r.Context(), actor, beneficiaryID, serviceID, domain.DeactivationInput{
		Reason:          req.Reason,
		Elaboration:     req.Elaboration,
		WouldRecontract: req.WouldRecontract,
		Notes:           req.Notes,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	actor, beneficiaryID, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	var req serviceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	serviceID, ok := parseServiceID(w, req.ServiceID)
	if !ok {
		return
	}

	result, err := h.service.Reactivate(r.Context(), actor, beneficiaryID, serviceID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRenewVoucher(w http.ResponseWriter, r *http.Request) {
	actor, beneficiaryID, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	benefitID, err := uuid.Parse(chi.URLParam(r, "benefitId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid benefit ID")
		return
	}

	rec, err := h.service.RenewVoucher(r.Context(), actor, beneficiaryID, benefitID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	v := rec.Voucher
	writeJSON(w, http.StatusOK, voucherStateResponse{
		BenefitID:             rec.ID,
		State:                 rec.State,
		FaceValue:             v.FaceValue,
		CurrentBalance:        v.CurrentBalance,
		VouchersRedeemed:      v.VouchersRedeemed,
		RenewalsUsed:          v.RenewalsUsed,
		RenewalsRemaining:     domain.VoucherMaxRenewals - v.RenewalsUsed,
		LastRenewalAt:         v.LastRenewalAt,
		NextRenewalEligibleAt: v.NextRenewalEligibleAt,
	})
}

func (h *Handler) handleListBenefits(w http.ResponseWriter, r *http.Request) {
	_, beneficiaryID, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	records, err := h.service.ListBenefits(r.Context(), beneficiaryID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	_, beneficiaryID, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	report, err := h.reconciler.ReconcileBeneficiary(r.Context(), beneficiaryID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := ActorFromContext(r.Context()); !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	q := r.URL.Query()
	filter := domain.EventFilter{Action: domain.EventAction(strings.TrimSpace(q.Get("action")))}
	if raw := strings.TrimSpace(q.Get("beneficiary_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid beneficiary_id")
			return
		}
		filter.BeneficiaryID = &id
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = limit
	}

	events, err := h.service.ListEvents(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// requestScope resolves the authenticated actor and the beneficiary of the URL.
func (h *Handler) requestScope(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return "", uuid.Nil, false
	}
	beneficiaryID, err := uuid.Parse(chi.URLParam(r, "beneficiaryId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid beneficiary ID")
		return "", uuid.Nil, false
	}
	return actor, beneficiaryID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func parseServiceID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		writeError(w, http.StatusBadRequest, "serviceId is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid serviceId")
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrBenefitNotFound),
		errors.Is(err, store.ErrBeneficiaryNotFound),
		errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInvalidTransition),
		errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, app.ErrInvalidInput),
		errors.Is(err, app.ErrInvalidOperation),
		errors.Is(err, app.ErrForbidden),
		errors.Is(err, store.ErrBenefitAlreadyAssigned):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).WithError(err).Error("request failed")
		writeError(w, status, "Internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"Failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
