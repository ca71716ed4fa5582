/*
Package postgres provides a PostgreSQL-backed engine.Store using pgx.

PURPOSE:
  The multi-node store. Row locks (SELECT ... FOR UPDATE) serialize
  operations on one unit across processes, and the partial unique index
  idx_bookings_active_unit backs the one-active-booking rule.

TYPES:
  Money columns are NUMERIC and map to shopspring/decimal through
  pgx-shopspring-decimal, registered on every pooled connection.
  Payment allocations and audit payloads are JSONB.

ERROR MAPPING:
  23505 on idx_bookings_active_unit  -> engine.DoubleBookingError
  40001, 40P01, 55P03, 57P01, 08xxx -> engine.ErrTransient (retried by the engine)
  connect errors, pgconn.SafeToRetry -> engine.ErrTransient
  pgx.ErrNoRows                      -> engine.NotFoundError

USAGE:
  store, err := postgres.New(ctx, "postgres://localhost/booking")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - schema.sql: Table definitions
  - store/sqlite: Single-file equivalent
*/
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/booking-engine/engine"
)

//go:embed schema.sql
var schema string

const activeBookingIndex = "idx_bookings_active_unit"

// Store implements engine.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Options tunes the pool. Zero values keep pgx defaults.
type Options struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// New connects, registers the decimal codec, pings and migrates.
func New(ctx context.Context, url string, opts ...Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if len(opts) > 0 {
		o := opts[0]
		if o.MaxConns > 0 {
			cfg.MaxConns = o.MaxConns
		}
		if o.MinConns > 0 {
			cfg.MinConns = o.MinConns
		}
		if o.MaxConnLifetime > 0 {
			cfg.MaxConnLifetime = o.MaxConnLifetime
		}
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Migrate applies schema.sql. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Reset truncates every table. Tests only.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE audit_log, sequences, transfers, payments, installments,
		bookings, consents, investor_assignments, inventory, projects, builders`)
	return err
}

// =============================================================================
// STORE
// =============================================================================

// WithTx executes fn within a READ COMMITTED transaction. Correctness comes
// from row locks and version checks, not the isolation level.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// ListExpiredHolds returns held units whose expiry is at or before asOf.
func (s *Store) ListExpiredHolds(ctx context.Context, asOf time.Time, limit int) ([]engine.InventoryID, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM inventory
		WHERE status = 'held' AND hold_expires_at <= $1
		ORDER BY hold_expires_at, id
		LIMIT $2`, asOf, lim)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.InventoryID, error) {
		var id engine.InventoryID
		err := row.Scan(&id)
		return id, err
	})
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// ERRORS
// =============================================================================

// mapError marks failures the engine may retry as a whole transaction
// with engine.ErrTransient. Context errors pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03", pgErr.Code == "57P01":
			return transient(err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return transient(err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return transient(err)
	}
	return err
}

func transient(err error) error {
	return fmt.Errorf("%w: %v", engine.ErrTransient, err)
}

func isActiveBookingViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeBookingIndex
}

func notFound(entity, id string) error {
	return &engine.NotFoundError{Entity: entity, ID: id}
}

func one[T any](entity, id string, v T, err error) (T, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return v, notFound(entity, id)
	}
	return v, mapError(err)
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type txStore struct {
	tx pgx.Tx
}

func (t *txStore) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	return tag, mapError(err)
}

// versioned runs an optimistic UPDATE and tells a lost race from a
// missing row.
func (t *txStore) versioned(ctx context.Context, table, entity, id string, sql string, args ...any) error {
	tag, err := t.exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := t.tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists); err != nil {
		return mapError(err)
	}
	if !exists {
		return notFound(entity, id)
	}
	return engine.ErrConcurrentModification
}

func (t *txStore) mustTouch(tag pgconn.CommandTag, err error, entity, id string) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(entity, id)
	}
	return nil
}

// --- Inventory ---

const inventoryColumns = `id, code, project_id, phase_block_id, unit_number, unit_type, category,
	size, price, status, hold_id, held_by, hold_expires_at, investor_locked, investor_id,
	booked_by, created_at, updated_at, version`

func scanInventory(row pgx.Row) (engine.Inventory, error) {
	var inv engine.Inventory
	err := row.Scan(&inv.ID, &inv.Code, &inv.ProjectID, &inv.PhaseBlockID, &inv.UnitNumber,
		&inv.UnitType, &inv.Category, &inv.Size, &inv.Price, &inv.Status, &inv.HoldID,
		&inv.HeldBy, &inv.HoldExpiresAt, &inv.InvestorLocked, &inv.InvestorID, &inv.BookedBy,
		&inv.CreatedAt, &inv.UpdatedAt, &inv.Version)
	return inv, err
}

func (t *txStore) InsertInventory(ctx context.Context, inv engine.Inventory) error {
	_, err := t.exec(ctx, `INSERT INTO inventory (`+inventoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		inv.ID, inv.Code, inv.ProjectID, inv.PhaseBlockID, inv.UnitNumber, inv.UnitType,
		inv.Category, inv.Size, inv.Price, inv.Status, inv.HoldID, inv.HeldBy,
		inv.HoldExpiresAt, inv.InvestorLocked, inv.InvestorID, inv.BookedBy,
		inv.CreatedAt, inv.UpdatedAt, inv.Version)
	return err
}

func (t *txStore) LockInventory(ctx context.Context, id engine.InventoryID) (engine.Inventory, error) {
	inv, err := scanInventory(t.tx.QueryRow(ctx,
		`SELECT `+inventoryColumns+` FROM inventory WHERE id = $1 FOR UPDATE`, id))
	return one("inventory", string(id), inv, err)
}

func (t *txStore) UpdateInventory(ctx context.Context, inv engine.Inventory) error {
	return t.versioned(ctx, "inventory", "inventory", string(inv.ID), `
		UPDATE inventory SET
			phase_block_id = $1, unit_number = $2, unit_type = $3, category = $4, size = $5,
			price = $6, status = $7, hold_id = $8, held_by = $9, hold_expires_at = $10,
			investor_locked = $11, investor_id = $12, booked_by = $13, updated_at = $14,
			version = version + 1
		WHERE id = $15 AND version = $16`,
		inv.PhaseBlockID, inv.UnitNumber, inv.UnitType, inv.Category, inv.Size,
		inv.Price, inv.Status, inv.HoldID, inv.HeldBy, inv.HoldExpiresAt,
		inv.InvestorLocked, inv.InvestorID, inv.BookedBy, inv.UpdatedAt,
		inv.ID, inv.Version)
}

// --- Builders and projects ---

func (t *txStore) InsertBuilder(ctx context.Context, b engine.Builder) error {
	_, err := t.exec(ctx, `INSERT INTO builders (id, code, name, max_projects, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.Code, b.Name, b.MaxProjects, b.Status, b.CreatedAt)
	return err
}

func (t *txStore) GetBuilder(ctx context.Context, id engine.BuilderID) (engine.Builder, error) {
	var b engine.Builder
	err := t.tx.QueryRow(ctx, `
		SELECT id, code, name, max_projects, status, created_at FROM builders WHERE id = $1`, id,
	).Scan(&b.ID, &b.Code, &b.Name, &b.MaxProjects, &b.Status, &b.CreatedAt)
	return one("builder", string(id), b, err)
}

func (t *txStore) InsertProject(ctx context.Context, p engine.Project) error {
	_, err := t.exec(ctx, `INSERT INTO projects (id, code, builder_id, name, location, unit_capacity, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Code, p.BuilderID, p.Name, p.Location, p.UnitCapacity, p.Status, p.CreatedAt)
	return err
}

func (t *txStore) GetProject(ctx context.Context, id engine.ProjectID) (engine.Project, error) {
	var p engine.Project
	err := t.tx.QueryRow(ctx, `
		SELECT id, code, builder_id, name, location, unit_capacity, status, created_at
		FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Code, &p.BuilderID, &p.Name, &p.Location, &p.UnitCapacity, &p.Status, &p.CreatedAt)
	return one("project", string(id), p, err)
}

func (t *txStore) count(ctx context.Context, sql string, args ...any) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, sql, args...).Scan(&n)
	return n, mapError(err)
}

func (t *txStore) CountProjects(ctx context.Context, builder engine.BuilderID) (int, error) {
	return t.count(ctx, `SELECT COUNT(*) FROM projects WHERE builder_id = $1`, builder)
}

func (t *txStore) CountActiveBookings(ctx context.Context, project engine.ProjectID) (int, error) {
	return t.count(ctx, `SELECT COUNT(*) FROM bookings
		WHERE project_id = $1 AND status IN ('confirmed', 'active')`, project)
}

// --- Investors ---

const assignmentColumns = `id, investor_id, inventory_id, share, consent_required, status,
	assigned_by, created_at, revoked_at`

func scanAssignment(row pgx.Row) (engine.InvestorAssignment, error) {
	var a engine.InvestorAssignment
	err := row.Scan(&a.ID, &a.InvestorID, &a.InventoryID, &a.Share, &a.ConsentRequired,
		&a.Status, &a.AssignedBy, &a.CreatedAt, &a.RevokedAt)
	return a, err
}

func (t *txStore) InsertAssignment(ctx context.Context, a engine.InvestorAssignment) error {
	_, err := t.exec(ctx, `INSERT INTO investor_assignments (`+assignmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.InvestorID, a.InventoryID, a.Share, a.ConsentRequired, a.Status,
		a.AssignedBy, a.CreatedAt, a.RevokedAt)
	return err
}

func (t *txStore) GetAssignment(ctx context.Context, id engine.AssignmentID) (engine.InvestorAssignment, error) {
	a, err := scanAssignment(t.tx.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM investor_assignments WHERE id = $1`, id))
	return one("assignment", string(id), a, err)
}

func (t *txStore) UpdateAssignment(ctx context.Context, a engine.InvestorAssignment) error {
	tag, err := t.exec(ctx, `UPDATE investor_assignments
		SET share = $1, consent_required = $2, status = $3, revoked_at = $4 WHERE id = $5`,
		a.Share, a.ConsentRequired, a.Status, a.RevokedAt, a.ID)
	return t.mustTouch(tag, err, "assignment", string(a.ID))
}

func (t *txStore) ActiveAssignments(ctx context.Context, inv engine.InventoryID) ([]engine.InvestorAssignment, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+assignmentColumns+` FROM investor_assignments
		WHERE inventory_id = $1 AND status = 'active' ORDER BY created_at, id`, inv)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.InvestorAssignment, error) {
		return scanAssignment(row)
	})
}

func (t *txStore) SaveConsent(ctx context.Context, c engine.Consent) error {
	_, err := t.exec(ctx, `
		INSERT INTO consents (hold_id, investor_id, inventory_id, approved, recorded_by, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hold_id, investor_id) DO UPDATE SET
			approved = EXCLUDED.approved,
			recorded_by = EXCLUDED.recorded_by,
			recorded_at = EXCLUDED.recorded_at`,
		c.HoldID, c.InvestorID, c.InventoryID, c.Approved, c.RecordedBy, c.RecordedAt)
	return err
}

func (t *txStore) Consents(ctx context.Context, hold engine.HoldID) ([]engine.Consent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT hold_id, investor_id, inventory_id, approved, recorded_by, recorded_at
		FROM consents WHERE hold_id = $1 ORDER BY investor_id`, hold)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Consent, error) {
		var c engine.Consent
		err := row.Scan(&c.HoldID, &c.InvestorID, &c.InventoryID, &c.Approved, &c.RecordedBy, &c.RecordedAt)
		return c, err
	})
}

// --- Bookings ---

const bookingColumns = `id, code, inventory_id, project_id, customer_id, amount, fees, status,
	booking_type, hold_id, booked_by, approved_by, cancelled_by, cancellation_reason,
	cancelled_at, remarks, booked_at, updated_at, version`

func scanBooking(row pgx.Row) (engine.Booking, error) {
	var b engine.Booking
	err := row.Scan(&b.ID, &b.Code, &b.InventoryID, &b.ProjectID, &b.CustomerID, &b.Amount,
		&b.Fees, &b.Status, &b.Type, &b.HoldID, &b.BookedBy, &b.ApprovedBy, &b.CancelledBy,
		&b.CancellationReason, &b.CancelledAt, &b.Remarks, &b.BookedAt, &b.UpdatedAt, &b.Version)
	return b, err
}

// The transaction is aborted after a unique violation, so the existing
// booking cannot be looked up here; callers re-read after rollback if needed.
func doubleBooking(inv engine.InventoryID) error {
	return &engine.DoubleBookingError{InventoryID: inv}
}

func (t *txStore) InsertBooking(ctx context.Context, b engine.Booking) error {
	_, err := t.exec(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		b.ID, b.Code, b.InventoryID, b.ProjectID, b.CustomerID, b.Amount, b.Fees, b.Status,
		b.Type, b.HoldID, b.BookedBy, b.ApprovedBy, b.CancelledBy, b.CancellationReason,
		b.CancelledAt, b.Remarks, b.BookedAt, b.UpdatedAt, b.Version)
	if isActiveBookingViolation(err) {
		return doubleBooking(b.InventoryID)
	}
	return err
}

func (t *txStore) GetBooking(ctx context.Context, id engine.BookingID) (engine.Booking, error) {
	b, err := scanBooking(t.tx.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	return one("booking", string(id), b, err)
}

func (t *txStore) LockBooking(ctx context.Context, id engine.BookingID) (engine.Booking, error) {
	b, err := scanBooking(t.tx.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	return one("booking", string(id), b, err)
}

func (t *txStore) UpdateBooking(ctx context.Context, b engine.Booking) error {
	err := t.versioned(ctx, "bookings", "booking", string(b.ID), `
		UPDATE bookings SET
			customer_id = $1, amount = $2, fees = $3, status = $4, booking_type = $5,
			approved_by = $6, cancelled_by = $7, cancellation_reason = $8, cancelled_at = $9,
			remarks = $10, updated_at = $11, version = version + 1
		WHERE id = $12 AND version = $13`,
		b.CustomerID, b.Amount, b.Fees, b.Status, b.Type,
		b.ApprovedBy, b.CancelledBy, b.CancellationReason, b.CancelledAt,
		b.Remarks, b.UpdatedAt, b.ID, b.Version)
	if isActiveBookingViolation(err) {
		return doubleBooking(b.InventoryID)
	}
	return err
}

func (t *txStore) ActiveBooking(ctx context.Context, inv engine.InventoryID) (*engine.Booking, error) {
	b, err := scanBooking(t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE inventory_id = $1 AND status IN ('confirmed', 'active')`, inv))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &b, nil
}

// --- Installments ---

const installmentColumns = `id, code, booking_id, sequence, kind, due_date, amount, paid_amount,
	status, paid_date, version`

func (t *txStore) InsertInstallments(ctx context.Context, items []engine.Installment) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`INSERT INTO installments (`+installmentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			it.ID, it.Code, it.BookingID, it.Sequence, it.Kind, it.DueDate, it.Amount,
			it.PaidAmount, it.Status, it.PaidDate, it.Version)
	}
	return mapError(t.tx.SendBatch(ctx, batch).Close())
}

func (t *txStore) Installments(ctx context.Context, booking engine.BookingID) ([]engine.Installment, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+installmentColumns+` FROM installments
		WHERE booking_id = $1 ORDER BY sequence`, booking)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Installment, error) {
		var it engine.Installment
		err := row.Scan(&it.ID, &it.Code, &it.BookingID, &it.Sequence, &it.Kind, &it.DueDate,
			&it.Amount, &it.PaidAmount, &it.Status, &it.PaidDate, &it.Version)
		return it, err
	})
}

func (t *txStore) UpdateInstallment(ctx context.Context, it engine.Installment) error {
	tag, err := t.exec(ctx, `UPDATE installments
		SET amount = $1, paid_amount = $2, status = $3, paid_date = $4, version = version + 1
		WHERE id = $5`,
		it.Amount, it.PaidAmount, it.Status, it.PaidDate, it.ID)
	return t.mustTouch(tag, err, "installment", string(it.ID))
}

// --- Payments ---

func (t *txStore) InsertPayment(ctx context.Context, p engine.Payment) error {
	allocations := p.Allocations
	if allocations == nil {
		allocations = []engine.Allocation{}
	}
	_, err := t.exec(ctx, `INSERT INTO payments (id, code, booking_id, customer_id, amount, method,
		received_on, reference_number, cheque_number, bank_name, status, recorded_by,
		allocations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.Code, p.BookingID, p.CustomerID, p.Amount, p.Method, p.ReceivedOn,
		p.ReferenceNumber, p.ChequeNumber, p.BankName, p.Status, p.RecordedBy,
		allocations, p.CreatedAt)
	return err
}

func (t *txStore) Payments(ctx context.Context, booking engine.BookingID) ([]engine.Payment, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, code, booking_id, customer_id, amount, method,
		received_on, reference_number, cheque_number, bank_name, status, recorded_by,
		allocations, created_at
		FROM payments WHERE booking_id = $1 ORDER BY created_at, code`, booking)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Payment, error) {
		var p engine.Payment
		err := row.Scan(&p.ID, &p.Code, &p.BookingID, &p.CustomerID, &p.Amount, &p.Method,
			&p.ReceivedOn, &p.ReferenceNumber, &p.ChequeNumber, &p.BankName, &p.Status,
			&p.RecordedBy, &p.Allocations, &p.CreatedAt)
		return p, err
	})
}

// --- Transfers ---

const transferColumns = `id, code, booking_id, inventory_id, from_customer, to_customer, fee,
	status, requested_by, decided_by, decided_at, remarks, booking_version, created_at`

func scanTransfer(row pgx.Row) (engine.Transfer, error) {
	var tr engine.Transfer
	err := row.Scan(&tr.ID, &tr.Code, &tr.BookingID, &tr.InventoryID, &tr.FromCustomer,
		&tr.ToCustomer, &tr.Fee, &tr.Status, &tr.RequestedBy, &tr.DecidedBy, &tr.DecidedAt,
		&tr.Remarks, &tr.BookingVersion, &tr.CreatedAt)
	return tr, err
}

func (t *txStore) InsertTransfer(ctx context.Context, tr engine.Transfer) error {
	_, err := t.exec(ctx, `INSERT INTO transfers (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		tr.ID, tr.Code, tr.BookingID, tr.InventoryID, tr.FromCustomer, tr.ToCustomer, tr.Fee,
		tr.Status, tr.RequestedBy, tr.DecidedBy, tr.DecidedAt, tr.Remarks,
		tr.BookingVersion, tr.CreatedAt)
	return err
}

func (t *txStore) GetTransfer(ctx context.Context, id engine.TransferID) (engine.Transfer, error) {
	tr, err := scanTransfer(t.tx.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	return one("transfer", string(id), tr, err)
}

func (t *txStore) LockTransfer(ctx context.Context, id engine.TransferID) (engine.Transfer, error) {
	tr, err := scanTransfer(t.tx.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1 FOR UPDATE`, id))
	return one("transfer", string(id), tr, err)
}

func (t *txStore) UpdateTransfer(ctx context.Context, tr engine.Transfer) error {
	tag, err := t.exec(ctx, `UPDATE transfers
		SET status = $1, decided_by = $2, decided_at = $3, remarks = $4 WHERE id = $5`,
		tr.Status, tr.DecidedBy, tr.DecidedAt, tr.Remarks, tr.ID)
	return t.mustTouch(tag, err, "transfer", string(tr.ID))
}

func (t *txStore) PendingTransfers(ctx context.Context, booking engine.BookingID) ([]engine.Transfer, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+transferColumns+` FROM transfers
		WHERE booking_id = $1 AND status = 'pending' ORDER BY created_at, id FOR UPDATE`, booking)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Transfer, error) {
		return scanTransfer(row)
	})
}

// --- Sequences and audit ---

func (t *txStore) NextSequence(ctx context.Context, name string) (int64, error) {
	var v int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO sequences (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
		RETURNING value`, name).Scan(&v)
	return v, mapError(err)
}

func (t *txStore) AppendAudit(ctx context.Context, e engine.AuditEntry) error {
	_, err := t.exec(ctx, `INSERT INTO audit_log (id, timestamp, actor_id, action, subject_type,
		subject_id, inventory_id, trace_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Timestamp, e.ActorID, e.Action, e.SubjectType, e.SubjectID,
		e.InventoryID, e.TraceID, e.Payload)
	return err
}

func (t *txStore) AuditTrail(ctx context.Context, inv engine.InventoryID) ([]engine.AuditEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, timestamp, actor_id, action, subject_type,
		subject_id, inventory_id, trace_id, payload
		FROM audit_log WHERE inventory_id = $1 ORDER BY seq`, inv)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.AuditEntry, error) {
		var e engine.AuditEntry
		err := row.Scan(&e.ID, &e.Timestamp, &e.ActorID, &e.Action, &e.SubjectType,
			&e.SubjectID, &e.InventoryID, &e.TraceID, &e.Payload)
		return e, err
	})
}

var _ engine.Store = (*Store)(nil)
