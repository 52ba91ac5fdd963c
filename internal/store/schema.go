package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	name string
	sql  string
}

// migrations are idempotent and applied in order at startup. The services and
// beneficiaries tables belong to the onboarding collaborator; they are created here only
// so a fresh database can serve lookups.
var migrations = []migration{
	{
		name: "create_services",
		sql: `
CREATE TABLE IF NOT EXISTS services (
    id            UUID PRIMARY KEY,
    name          TEXT NOT NULL,
    category      TEXT,
    voucher_value NUMERIC(14,2)
);`,
	},
	{
		name: "create_beneficiaries",
		sql: `
CREATE TABLE IF NOT EXISTS beneficiaries (
    id         UUID PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	},
	{
		name: "create_benefits",
		sql: `
CREATE TABLE IF NOT EXISTS benefits (
    id              UUID PRIMARY KEY,
    beneficiary_id  UUID NOT NULL,
    service_id      UUID NOT NULL,
    service_name    TEXT NOT NULL,
    category        TEXT NOT NULL,
    estado          TEXT NOT NULL,
    activated_at    TIMESTAMPTZ,
    suspended_at    TIMESTAMPTZ,
    cancelled_at    TIMESTAMPTZ,
    deactivated_at  TIMESTAMPTZ,
    reactivated_at  TIMESTAMPTZ,
    deactivation    JSONB,
    reactivated_by  TEXT NOT NULL DEFAULT '',
    voucher         JSONB,
    reimbursement   JSONB,
    financing       JSONB,
    created_by      TEXT NOT NULL,
    last_updated_by TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    version         INT NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_benefits_beneficiary_service ON benefits (beneficiary_id, service_id);
CREATE INDEX IF NOT EXISTS idx_benefits_reconcile ON benefits (beneficiary_id) WHERE category IN ('voucher', 'reimbursement') AND estado IN ('active', 'inactive');`,
	},
	{
		name: "create_benefit_history",
		sql: `
CREATE TABLE IF NOT EXISTS benefit_history (
    id             BIGSERIAL PRIMARY KEY,
    benefit_id     UUID NOT NULL REFERENCES benefits (id),
    seq            INT NOT NULL,
    previous_state TEXT,
    new_state      TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    actor          TEXT NOT NULL,
    extra          JSONB,
    occurred_at    TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_benefit_history_seq ON benefit_history (benefit_id, seq);`,
	},
	{
		name: "create_benefit_codes",
		sql: `
CREATE TABLE IF NOT EXISTS benefit_codes (
    beneficiary_id UUID PRIMARY KEY,
    active         BOOLEAN NOT NULL DEFAULT FALSE,
    state          TEXT NOT NULL DEFAULT 'inactive',
    amount         NUMERIC(14,2) NOT NULL DEFAULT 0,
    premium        NUMERIC(14,2) NOT NULL DEFAULT 0,
    history        JSONB NOT NULL DEFAULT '[]',
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    version        INT NOT NULL DEFAULT 1
);`,
	},
	{
		name: "create_benefit_funds",
		sql: `
CREATE TABLE IF NOT EXISTS benefit_funds (
    beneficiary_id      UUID PRIMARY KEY,
    balance             NUMERIC(14,2) NOT NULL DEFAULT 0,
    state               TEXT NOT NULL DEFAULT 'active',
    expires_at          TIMESTAMPTZ NOT NULL,
    deactivation_reason TEXT NOT NULL DEFAULT '',
    movements           JSONB NOT NULL DEFAULT '[]',
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    version             INT NOT NULL DEFAULT 1
);`,
	},
	{
		name: "create_benefit_events",
		sql: `
CREATE TABLE IF NOT EXISTS benefit_events (
    id             UUID PRIMARY KEY,
    beneficiary_id UUID NOT NULL,
    service_id     UUID NOT NULL,
    benefit_id     UUID NOT NULL,
    action         TEXT NOT NULL,
    actor          TEXT NOT NULL,
    occurred_at    TIMESTAMPTZ NOT NULL,
    details        JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_benefit_events_dedup ON benefit_events (beneficiary_id, service_id, action, occurred_at);
CREATE INDEX IF NOT EXISTS idx_benefit_events_recent ON benefit_events (occurred_at DESC);`,
	},
}

// EnsureSchema applies every migration. All statements are idempotent.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for _, m := range migrations {
		if _, err := db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}
