package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"remittance_back/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const transferColumns = `id, requester_id, quote_id, source_amount, source_currency, destination_currency,
	destination_amount, exchange_rate, fee, total_amount, recipient_name, recipient_phone, recipient_email,
	purpose, source_country, destination_country, status, settlement_reference, failure_reason,
	settlement_payload, settlement_handle, settlement_handle_raw, settlement_attempts, settlement_lease_until,
	settlement_started_at, idempotency_key, request_hash, estimated_completion_time, created_at, updated_at, completed_at,
	cancelled_at, failed_at`

const uniqueViolation = "23505"

type TransferPostgres struct {
	db *sqlx.DB
}

func NewTransferPostgres(db *sqlx.DB) *TransferPostgres {
	return &TransferPostgres{db: db}
}

func (r *TransferPostgres) Create(ctx context.Context, t models.Transfer) error {
	query := `INSERT INTO transfers (` + transferColumns + `) VALUES (
		:id, :requester_id, :quote_id, :source_amount, :source_currency, :destination_currency,
		:destination_amount, :exchange_rate, :fee, :total_amount, :recipient_name, :recipient_phone, :recipient_email,
		:purpose, :source_country, :destination_country, :status, :settlement_reference, :failure_reason,
		:settlement_payload, :settlement_handle, :settlement_handle_raw, :settlement_attempts, :settlement_lease_until,
		:settlement_started_at, :idempotency_key, :request_hash, :estimated_completion_time, :created_at, :updated_at, :completed_at,
		:cancelled_at, :failed_at)`

	if _, err := r.db.NamedExecContext(ctx, query, t); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && strings.Contains(pqErr.Constraint, "idempotency") {
			return ErrDuplicate
		}
		return errors.Wrap(err, "insert transfer")
	}
	return nil
}

func (r *TransferPostgres) GetByID(ctx context.Context, id string) (models.Transfer, error) {
	var t models.Transfer
	err := r.db.GetContext(ctx, &t, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, errors.Wrap(err, "select transfer")
	}
	return t, nil
}

func (r *TransferPostgres) GetByIdempotencyKey(ctx context.Context, requesterID, key string) (models.Transfer, error) {
	var t models.Transfer
	err := r.db.GetContext(ctx, &t, `SELECT `+transferColumns+` FROM transfers
		WHERE requester_id = $1 AND idempotency_key = $2`, requesterID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, errors.Wrap(err, "select transfer by idempotency key")
	}
	return t, nil
}

func buildFilter(f models.TransferFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.RequesterID != "" {
		add("requester_id = $%d", f.RequesterID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.SourceCurrency != "" {
		add("source_currency = $%d", f.SourceCurrency)
	}
	if f.DestinationCurrency != "" {
		add("destination_currency = $%d", f.DestinationCurrency)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *TransferPostgres) List(ctx context.Context, f models.TransferFilter) ([]models.Transfer, int, error) {
	where, args := buildFilter(f)

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM transfers`+where, args...); err != nil {
		return nil, 0, errors.Wrap(err, "count transfers")
	}

	args = append(args, f.Limit, f.Offset())
	query := fmt.Sprintf(`SELECT %s FROM transfers%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		transferColumns, where, len(args)-1, len(args))

	transfers := []models.Transfer{}
	if err := r.db.SelectContext(ctx, &transfers, query, args...); err != nil {
		return nil, 0, errors.Wrap(err, "select transfers")
	}
	return transfers, total, nil
}

func (r *TransferPostgres) SumSince(ctx context.Context, requesterID, currency string, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.GetContext(ctx, &sum, `SELECT COALESCE(SUM(source_amount), 0) FROM transfers
		WHERE requester_id = $1 AND source_currency = $2 AND created_at >= $3
		AND status NOT IN ('CANCELLED', 'FAILED')`, requesterID, currency, since)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "sum transfers")
	}
	return sum, nil
}

func (r *TransferPostgres) ListUnsettled(ctx context.Context, createdBefore, now time.Time, limit int) ([]models.Transfer, error) {
	transfers := []models.Transfer{}
	err := r.db.SelectContext(ctx, &transfers, `SELECT `+transferColumns+` FROM transfers
		WHERE status = ANY($1) AND created_at < $2
		AND (settlement_lease_until IS NULL OR settlement_lease_until < $3)
		ORDER BY created_at LIMIT $4`,
		pq.Array(statusStrings(models.OpenStatuses)), createdBefore, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select unsettled transfers")
	}
	return transfers, nil
}

// missOrConflict distinguishes a guard miss on an existing row from a missing row.
func (r *TransferPostgres) missOrConflict(ctx context.Context, id, requesterID string) (models.Transfer, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return current, err
	}
	if requesterID != "" && current.RequesterID != requesterID {
		return models.Transfer{}, ErrNotFound
	}
	return current, ErrConflict
}

func (r *TransferPostgres) Transition(ctx context.Context, tr Transition) (models.Transfer, error) {
	completed, cancelled, failed := terminalStamps(tr.To, tr.At)

	var t models.Transfer
	err := r.db.GetContext(ctx, &t, `UPDATE transfers SET
			status = $2,
			settlement_reference = COALESCE($3, settlement_reference),
			failure_reason = COALESCE($4, failure_reason),
			completed_at = COALESCE($5, completed_at),
			cancelled_at = COALESCE($6, cancelled_at),
			failed_at = COALESCE($7, failed_at),
			settlement_lease_until = NULL,
			updated_at = $8
		WHERE id = $1 AND status = ANY($9) AND ($10::text = '' OR requester_id = $10)
		RETURNING `+transferColumns,
		tr.ID, string(tr.To), tr.Reference, tr.FailureReason, completed, cancelled, failed, tr.At,
		pq.Array(statusStrings(tr.From)), tr.RequesterID)
	if errors.Is(err, sql.ErrNoRows) {
		return r.missOrConflict(ctx, tr.ID, tr.RequesterID)
	}
	if err != nil {
		return t, errors.Wrap(err, "transition transfer")
	}
	return t, nil
}

// guardedExec runs an UPDATE whose WHERE clause is a state guard.
func (r *TransferPostgres) guardedExec(ctx context.Context, id, what, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err := r.missOrConflict(ctx, id, "")
		return err
	}
	return nil
}

func (r *TransferPostgres) MarkSubmission(ctx context.Context, id string, at time.Time) error {
	return r.guardedExec(ctx, id, "mark settlement submission",
		`UPDATE transfers SET settlement_started_at = $2, updated_at = $2
		WHERE id = $1 AND settlement_started_at IS NULL AND settlement_handle IS NULL AND status = ANY($3)`,
		id, at, pq.Array(statusStrings(models.OpenStatuses)))
}

func (r *TransferPostgres) ClearSubmission(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transfers SET settlement_started_at = NULL
		WHERE id = $1 AND settlement_handle IS NULL`, id)
	return errors.Wrap(err, "clear settlement submission")
}

func (r *TransferPostgres) SetSettlementHandle(ctx context.Context, id, handle string, raw []byte, at time.Time) error {
	return r.guardedExec(ctx, id, "set settlement handle",
		`UPDATE transfers SET settlement_handle = $2, settlement_handle_raw = $3, updated_at = $4,
			settlement_started_at = COALESCE(settlement_started_at, $4)
		WHERE id = $1 AND settlement_handle IS NULL AND status = ANY($5)`,
		id, handle, raw, at, pq.Array(statusStrings(models.OpenStatuses)))
}

func (r *TransferPostgres) ApplyPricing(ctx context.Context, id string, p Pricing, at time.Time) (models.Transfer, error) {
	var t models.Transfer
	err := r.db.GetContext(ctx, &t, `UPDATE transfers SET
			exchange_rate = $2, fee = $3, destination_amount = $4, total_amount = $5, updated_at = $6
		WHERE id = $1 AND exchange_rate = 0 AND status = ANY($7)
		RETURNING `+transferColumns,
		id, p.Rate, p.Fee, p.DestinationAmount, p.TotalAmount, at, pq.Array(statusStrings(models.OpenStatuses)))
	if errors.Is(err, sql.ErrNoRows) {
		return r.missOrConflict(ctx, id, "")
	}
	if err != nil {
		return t, errors.Wrap(err, "apply pricing")
	}
	return t, nil
}

func (r *TransferPostgres) AcquireLease(ctx context.Context, id string, now, until time.Time) (models.Transfer, error) {
	var t models.Transfer
	err := r.db.GetContext(ctx, &t, `UPDATE transfers SET
			settlement_lease_until = $3, settlement_attempts = settlement_attempts + 1, updated_at = $2
		WHERE id = $1 AND status = ANY($4)
		AND (settlement_lease_until IS NULL OR settlement_lease_until < $2)
		RETURNING `+transferColumns,
		id, now, until, pq.Array(statusStrings(models.OpenStatuses)))
	if errors.Is(err, sql.ErrNoRows) {
		return r.missOrConflict(ctx, id, "")
	}
	if err != nil {
		return t, errors.Wrap(err, "acquire settlement lease")
	}
	return t, nil
}

func (r *TransferPostgres) ReleaseLease(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transfers SET settlement_lease_until = NULL WHERE id = $1`, id)
	return errors.Wrap(err, "release settlement lease")
}
