package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bnp/benefit-service/internal/domain"
	"github.com/bnp/benefit-service/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	ServiceAssignedRoutingKey = "service.assigned"
	consumerActorFallback     = "system:service-assignment"
)

// Assigner is the part of BenefitService the assignment consumer needs.
type Assigner interface {
	Assign(ctx context.Context, actor string, beneficiaryID, serviceID uuid.UUID) (*domain.BenefitRecord, error)
}

// ServiceAssignedConsumer creates pending benefit records for service.assigned events
// published by the enrollment side.
type ServiceAssignedConsumer struct {
	assigner Assigner
	log      *logrus.Entry
}

func NewServiceAssignedConsumer(assigner Assigner, log *logrus.Entry) *ServiceAssignedConsumer {
	return &ServiceAssignedConsumer{assigner: assigner, log: log}
}

// HandleMessage reports whether the delivery should be acknowledged. Malformed or
// permanently unprocessable messages are acknowledged and dropped.
func (c *ServiceAssignedConsumer) HandleMessage(body []byte) bool {
	var event domain.ServiceAssignedMessage
	if err := json.Unmarshal(body, &event); err != nil {
		c.log.WithError(err).Warn("failed to unmarshal service.assigned payload")
		return true
	}
	if event.BeneficiaryID == uuid.Nil || event.ServiceID == uuid.Nil {
		c.log.WithField("payload", string(body)).Warn("service.assigned event missing identifiers")
		return true
	}

	actor := strings.TrimSpace(event.AssignedBy)
	if actor == "" {
		actor = consumerActorFallback
	}
	fields := logrus.Fields{"beneficiary_id": event.BeneficiaryID, "service_id": event.ServiceID}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rec, err := c.assigner.Assign(ctx, actor, event.BeneficiaryID, event.ServiceID)
	switch {
	case err == nil:
		c.log.WithFields(fields).WithField("benefit_id", rec.ID).Info("benefit assigned from event")
		return true
	case errors.Is(err, store.ErrBenefitAlreadyAssigned):
		c.log.WithFields(fields).Info("benefit already assigned; acknowledging")
		return true
	case errors.Is(err, store.ErrBeneficiaryNotFound), errors.Is(err, store.ErrServiceNotFound), errors.Is(err, ErrInvalidInput):
		c.log.WithFields(fields).WithError(err).Warn("cannot assign benefit; dropping event")
		return true
	default:
		c.log.WithFields(fields).WithError(err).Error("assignment failed; re-queuing")
		return false
	}
}
