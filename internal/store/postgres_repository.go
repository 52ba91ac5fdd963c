/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Benefit records and their append-only history rows are written in one transaction
 * guarded by an optimistic version check; the event log serializes its
 * check-then-insert with a transaction-scoped advisory lock.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bnp/benefit-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const benefitColumns = `id, beneficiary_id, service_id, service_name, category, estado,
	activated_at, suspended_at, cancelled_at, deactivated_at, reactivated_at,
	deactivation, reactivated_by, voucher, reimbursement, financing,
	created_by, last_updated_by, created_at, updated_at, version`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalOptional[T any](data []byte) (*T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

type benefitPayloads struct {
	deactivation  []byte
	voucher       []byte
	reimbursement []byte
	financing     []byte
}

func encodePayloads(rec *domain.BenefitRecord) (benefitPayloads, error) {
	var p benefitPayloads
	var err error
	if p.deactivation, err = marshalOptional(rec.Deactivation); err != nil {
		return p, err
	}
	if p.voucher, err = marshalOptional(rec.Voucher); err != nil {
		return p, err
	}
	if p.reimbursement, err = marshalOptional(rec.Reimbursement); err != nil {
		return p, err
	}
	if p.financing, err = marshalOptional(rec.Financing); err != nil {
		return p, err
	}
	return p, nil
}

func scanBenefit(row pgx.Row) (*domain.BenefitRecord, error) {
	var rec domain.BenefitRecord
	var category, state string
	var p benefitPayloads
	err := row.Scan(
		&rec.ID, &rec.BeneficiaryID, &rec.ServiceID, &rec.ServiceName, &category, &state,
		&rec.ActivatedAt, &rec.SuspendedAt, &rec.CancelledAt, &rec.DeactivatedAt, &rec.ReactivatedAt,
		&p.deactivation, &rec.ReactivatedBy, &p.voucher, &p.reimbursement, &p.financing,
		&rec.CreatedBy, &rec.LastUpdatedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version,
	)
	if err != nil {
		return nil, err
	}
	rec.Category = domain.Category(category)
	rec.State = domain.BenefitState(state)
	if rec.Deactivation, err = unmarshalOptional[domain.Deactivation](p.deactivation); err != nil {
		return nil, fmt.Errorf("decode deactivation: %w", err)
	}
	if rec.Voucher, err = unmarshalOptional[domain.VoucherDetails](p.voucher); err != nil {
		return nil, fmt.Errorf("decode voucher: %w", err)
	}
	if rec.Reimbursement, err = unmarshalOptional[domain.ReimbursementDetails](p.reimbursement); err != nil {
		return nil, fmt.Errorf("decode reimbursement: %w", err)
	}
	if rec.Financing, err = unmarshalOptional[domain.FinancingDetails](p.financing); err != nil {
		return nil, fmt.Errorf("decode financing: %w", err)
	}
	return &rec, nil
}

// CreateBenefit inserts a new record and its initial history entries.
func (r *PostgresRepository) CreateBenefit(ctx context.Context, rec *domain.BenefitRecord) error {
	if err := rec.CheckPayload(); err != nil {
		return err
	}
	p, err := encodePayloads(rec)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO benefits (` + benefitColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, 1)
	`
	_, err = tx.Exec(ctx, query,
		rec.ID, rec.BeneficiaryID, rec.ServiceID, rec.ServiceName, string(rec.Category), string(rec.State),
		rec.ActivatedAt, rec.SuspendedAt, rec.CancelledAt, rec.DeactivatedAt, rec.ReactivatedAt,
		p.deactivation, rec.ReactivatedBy, p.voucher, p.reimbursement, p.financing,
		rec.CreatedBy, rec.LastUpdatedBy, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrBenefitAlreadyAssigned
		}
		return err
	}
	if err := insertHistory(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	rec.Version = 1
	markPersisted(rec)
	return nil
}

func (r *PostgresRepository) FindBenefit(ctx context.Context, beneficiaryID, serviceID uuid.UUID) (*domain.BenefitRecord, error) {
	query := `SELECT ` + benefitColumns + ` FROM benefits WHERE beneficiary_id = $1 AND service_id = $2`
	rec, err := scanBenefit(r.db.QueryRow(ctx, query, beneficiaryID, serviceID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBenefitNotFound
		}
		return nil, err
	}
	if err := r.attachHistory(ctx, []*domain.BenefitRecord{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *PostgresRepository) FindBenefitByID(ctx context.Context, benefitID uuid.UUID) (*domain.BenefitRecord, error) {
	query := `SELECT ` + benefitColumns + ` FROM benefits WHERE id = $1`
	rec, err := scanBenefit(r.db.QueryRow(ctx, query, benefitID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBenefitNotFound
		}
		return nil, err
	}
	if err := r.attachHistory(ctx, []*domain.BenefitRecord{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *PostgresRepository) ListBenefitsByBeneficiary(ctx context.Context, beneficiaryID uuid.UUID) ([]*domain.BenefitRecord, error) {
	query := `SELECT ` + benefitColumns + ` FROM benefits WHERE beneficiary_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, beneficiaryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.BenefitRecord
	for rows.Next() {
		rec, err := scanBenefit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachHistory(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *PostgresRepository) attachHistory(ctx context.Context, records []*domain.BenefitRecord) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, 0, len(records))
	byID := make(map[uuid.UUID][]domain.HistoryEntry, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID.String())
	}

	query := `
		SELECT benefit_id, previous_state, new_state, reason, actor, extra, occurred_at
		FROM benefit_history
		WHERE benefit_id = ANY($1::uuid[])
		ORDER BY benefit_id, seq
	`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var benefitID uuid.UUID
		var previous *string
		var newState string
		var extra []byte
		var entry domain.HistoryEntry
		if err := rows.Scan(&benefitID, &previous, &newState, &entry.Reason, &entry.Actor, &extra, &entry.Timestamp); err != nil {
			return err
		}
		if previous != nil {
			entry.PreviousState = domain.StatePtr(domain.BenefitState(*previous))
		}
		entry.NewState = domain.BenefitState(newState)
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &entry.Extra); err != nil {
				return fmt.Errorf("decode history extra: %w", err)
			}
		}
		byID[benefitID] = append(byID[benefitID], entry)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, rec := range records {
		rec.History = domain.NewAppendLog(byID[rec.ID]...)
	}
	return nil
}

type historyRow struct {
	seq      int
	previous *string
	newState string
	reason   string
	actor    string
	extra    []byte
	at       time.Time
}

// pendingHistoryRows numbers the unsaved history entries after the ones already stored.
func pendingHistoryRows(rec *domain.BenefitRecord) ([]historyRow, error) {
	pending := rec.History.Pending()
	seq := rec.History.Len() - len(pending)
	rows := make([]historyRow, 0, len(pending))
	for _, entry := range pending {
		seq++
		row := historyRow{
			seq:      seq,
			newState: string(entry.NewState),
			reason:   entry.Reason,
			actor:    entry.Actor,
			at:       entry.Timestamp,
		}
		if entry.PreviousState != nil {
			s := string(*entry.PreviousState)
			row.previous = &s
		}
		if len(entry.Extra) > 0 {
			extra, err := json.Marshal(entry.Extra)
			if err != nil {
				return nil, fmt.Errorf("encode history seq %d: %w", seq, err)
			}
			row.extra = extra
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, rec *domain.BenefitRecord) error {
	rows, err := pendingHistoryRows(rec)
	if err != nil {
		return err
	}
	for _, row := range rows {
		_, err := tx.Exec(ctx, `
			INSERT INTO benefit_history (benefit_id, seq, previous_state, new_state, reason, actor, extra, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rec.ID, row.seq, row.previous, row.newState, row.reason, row.actor, row.extra, row.at)
		if err != nil {
			return fmt.Errorf("insert history seq %d: %w", row.seq, err)
		}
	}
	return nil
}

func markPersisted(rec *domain.BenefitRecord) {
	rec.History.MarkPersisted()
	if rec.Voucher != nil {
		rec.Voucher.Redemptions.MarkPersisted()
	}
	if rec.Financing != nil {
		rec.Financing.Payments.MarkPersisted()
	}
}

// SaveBenefit updates a record guarded by its version and the lifecycle graph.
func (r *PostgresRepository) SaveBenefit(ctx context.Context, rec *domain.BenefitRecord) error {
	if err := rec.CheckPayload(); err != nil {
		return err
	}
	p, err := encodePayloads(rec)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var storedState string
	var storedVersion int
	err = tx.QueryRow(ctx, `SELECT estado, version FROM benefits WHERE id = $1 FOR UPDATE`, rec.ID).Scan(&storedState, &storedVersion)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrBenefitNotFound
		}
		return err
	}
	if storedVersion != rec.Version {
		return ErrVersionConflict
	}
	if err := checkTransition(rec, domain.BenefitState(storedState)); err != nil {
		return err
	}

	query := `
		UPDATE benefits SET
			estado = $2,
			activated_at = $3,
			suspended_at = $4,
			cancelled_at = $5,
			deactivated_at = $6,
			reactivated_at = $7,
			deactivation = $8,
			reactivated_by = $9,
			voucher = $10,
			reimbursement = $11,
			financing = $12,
			last_updated_by = $13,
			updated_at = $14,
			version = version + 1
		WHERE id = $1 AND version = $15
	`
	tag, err := tx.Exec(ctx, query,
		rec.ID, string(rec.State),
		rec.ActivatedAt, rec.SuspendedAt, rec.CancelledAt, rec.DeactivatedAt, rec.ReactivatedAt,
		p.deactivation, rec.ReactivatedBy, p.voucher, p.reimbursement, p.financing,
		rec.LastUpdatedBy, rec.UpdatedAt, rec.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	if err := insertHistory(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	rec.Version++
	markPersisted(rec)
	return nil
}

func (r *PostgresRepository) ListReconcileCandidates(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT DISTINCT beneficiary_id
		FROM benefits
		WHERE category IN ('voucher', 'reimbursement')
		  AND estado IN ('active', 'inactive')
		  AND beneficiary_id > $1
		ORDER BY beneficiary_id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) FindCode(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Code, error) {
	var code domain.Code
	var state string
	var history []byte
	err := r.db.QueryRow(ctx, `
		SELECT beneficiary_id, active, state, amount, premium, history, updated_at, version
		FROM benefit_codes WHERE beneficiary_id = $1
	`, beneficiaryID).Scan(&code.BeneficiaryID, &code.Active, &state, &code.Amount, &code.Premium, &history, &code.UpdatedAt, &code.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}
	code.State = domain.CodeState(state)
	if err := json.Unmarshal(history, &code.History); err != nil {
		return nil, fmt.Errorf("decode code history: %w", err)
	}
	return &code, nil
}

// SaveCode inserts a new code (Version 0) or updates an existing one guarded by its version.
func (r *PostgresRepository) SaveCode(ctx context.Context, code *domain.Code) error {
	history, err := json.Marshal(code.History)
	if err != nil {
		return err
	}
	var tag pgconn.CommandTag
	if code.Version == 0 {
		tag, err = r.db.Exec(ctx, `
			INSERT INTO benefit_codes (beneficiary_id, active, state, amount, premium, history, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			ON CONFLICT (beneficiary_id) DO NOTHING
		`, code.BeneficiaryID, code.Active, string(code.State), code.Amount, code.Premium, history, code.UpdatedAt)
	} else {
		tag, err = r.db.Exec(ctx, `
			UPDATE benefit_codes
			SET active = $2, state = $3, amount = $4, premium = $5, history = $6, updated_at = $7, version = version + 1
			WHERE beneficiary_id = $1 AND version = $8
		`, code.BeneficiaryID, code.Active, string(code.State), code.Amount, code.Premium, history, code.UpdatedAt, code.Version)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	code.Version++
	code.History.MarkPersisted()
	return nil
}

func (r *PostgresRepository) FindFund(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Fund, error) {
	var fund domain.Fund
	var state, reason string
	var movements []byte
	err := r.db.QueryRow(ctx, `
		SELECT beneficiary_id, balance, state, expires_at, deactivation_reason, movements, updated_at, version
		FROM benefit_funds WHERE beneficiary_id = $1
	`, beneficiaryID).Scan(&fund.BeneficiaryID, &fund.Balance, &state, &fund.ExpiresAt, &reason, &movements, &fund.UpdatedAt, &fund.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrFundNotFound
		}
		return nil, err
	}
	fund.State = domain.FundState(state)
	fund.DeactivationReason = domain.FundDeactivationReason(reason)
	if err := json.Unmarshal(movements, &fund.Movements); err != nil {
		return nil, fmt.Errorf("decode fund movements: %w", err)
	}
	return &fund, nil
}

// SaveFund inserts a new fund (Version 0) or updates an existing one guarded by its version.
func (r *PostgresRepository) SaveFund(ctx context.Context, fund *domain.Fund) error {
	movements, err := json.Marshal(fund.Movements)
	if err != nil {
		return err
	}
	var tag pgconn.CommandTag
	if fund.Version == 0 {
		tag, err = r.db.Exec(ctx, `
			INSERT INTO benefit_funds (beneficiary_id, balance, state, expires_at, deactivation_reason, movements, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			ON CONFLICT (beneficiary_id) DO NOTHING
		`, fund.BeneficiaryID, fund.Balance, string(fund.State), fund.ExpiresAt, string(fund.DeactivationReason), movements, fund.UpdatedAt)
	} else {
		tag, err = r.db.Exec(ctx, `
			UPDATE benefit_funds
			SET balance = $2, state = $3, expires_at = $4, deactivation_reason = $5, movements = $6, updated_at = $7, version = version + 1
			WHERE beneficiary_id = $1 AND version = $8
		`, fund.BeneficiaryID, fund.Balance, string(fund.State), fund.ExpiresAt, string(fund.DeactivationReason), movements, fund.UpdatedAt, fund.Version)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	fund.Version++
	fund.Movements.MarkPersisted()
	return nil
}

// AppendIfAbsent serializes concurrent writers of the same (beneficiary, service, action)
// tuple on an advisory lock held for the transaction.
func (r *PostgresRepository) AppendIfAbsent(ctx context.Context, event domain.BenefitEvent, window time.Duration) (bool, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	details, err := json.Marshal(event.Details)
	if err != nil {
		return false, err
	}
	if event.Details == nil {
		details = []byte("{}")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	lockKey := fmt.Sprintf("benefit_event:%s:%s:%s", event.BeneficiaryID, event.ServiceID, event.Action)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return false, fmt.Errorf("acquire event lock: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM benefit_events
			WHERE beneficiary_id = $1 AND service_id = $2 AND action = $3
			  AND occurred_at BETWEEN $4 AND $5
		)
	`, event.BeneficiaryID, event.ServiceID, string(event.Action), event.OccurredAt.Add(-window), event.OccurredAt.Add(window)).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO benefit_events (id, beneficiary_id, service_id, benefit_id, action, actor, occurred_at, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.ID, event.BeneficiaryID, event.ServiceID, event.BenefitID, string(event.Action), event.Actor, event.OccurredAt, details)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *PostgresRepository) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.BenefitEvent, error) {
	var conditions []string
	var args []interface{}
	if filter.BeneficiaryID != nil {
		args = append(args, *filter.BeneficiaryID)
		conditions = append(conditions, fmt.Sprintf("beneficiary_id = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, string(filter.Action))
		conditions = append(conditions, fmt.Sprintf("action = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT id, beneficiary_id, service_id, benefit_id, action, actor, occurred_at, details FROM benefit_events`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.BenefitEvent, 0)
	for rows.Next() {
		var event domain.BenefitEvent
		var action string
		var details []byte
		if err := rows.Scan(&event.ID, &event.BeneficiaryID, &event.ServiceID, &event.BenefitID, &action, &event.Actor, &event.OccurredAt, &details); err != nil {
			return nil, err
		}
		event.Action = domain.EventAction(action)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) FindService(ctx context.Context, serviceID uuid.UUID) (*ServiceRow, error) {
	var row ServiceRow
	err := r.db.QueryRow(ctx, `
		SELECT id, name, COALESCE(category, ''), voucher_value FROM services WHERE id = $1
	`, serviceID).Scan(&row.ID, &row.Name, &row.Category, &row.VoucherValue)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (r *PostgresRepository) BeneficiaryExists(ctx context.Context, beneficiaryID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM beneficiaries WHERE id = $1)`, beneficiaryID).Scan(&exists)
	return exists, err
}
