/*
Package sqlite provides a SQLite-backed engine.Store.

PURPOSE:
  Persists units, bookings, schedules, payments, transfers and the audit
  log in one SQLite file. Used for single-node deployments and for the
  demo server; production clusters use store/postgres.

KEY TABLES:
  inventory:            One row per unit, hold fields inline
  bookings:             Customer claims on units
  installments:         Payment schedule rows, unique per (booking, sequence)
  payments:             Receipts with their allocations as JSON
  transfers:            Ownership change requests
  investor_assignments: Investor shares of a unit
  consents:             Investor decisions, unique per (hold, investor)
  sequences:            Named counters behind human-readable codes
  audit_log:            Append-only, ordered by insertion

DOUBLE BOOKING:
  idx_bookings_active_unit is a partial unique index over inventory_id for
  bookings in confirmed or active status. A second active booking of the
  same unit fails at INSERT/UPDATE even if the engine's own check raced.

CONCURRENCY:
  SQLite has a single writer. Transactions start with BEGIN IMMEDIATE
  (_txlock=immediate) so the write lock is taken up front, and a mutex
  serializes WithTx inside the process. SELECT ... FOR UPDATE does not
  exist in SQLite; Lock* methods are plain reads under that lock.

TIMESTAMPS:
  Stored as fixed-width UTC text so that string comparison matches time
  order (ListExpiredHolds relies on this).

USAGE:
  store, err := sqlite.New("./data/booking.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng := engine.New(store)

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for tests
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/booking-engine/engine"
)

// timeLayout is fixed-width so text order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database lives and dies with it, and
	// SQLite only has one writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS builders (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		max_projects INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		builder_id TEXT NOT NULL REFERENCES builders(id),
		name TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		unit_capacity INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_projects_builder ON projects(builder_id);

	CREATE TABLE IF NOT EXISTS inventory (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		project_id TEXT NOT NULL REFERENCES projects(id),
		phase_block_id TEXT NOT NULL DEFAULT '',
		unit_number TEXT NOT NULL,
		unit_type TEXT NOT NULL,
		category TEXT NOT NULL,
		size TEXT NOT NULL,
		price TEXT NOT NULL,
		status TEXT NOT NULL,
		hold_id TEXT NOT NULL DEFAULT '',
		held_by TEXT NOT NULL DEFAULT '',
		hold_expires_at TEXT,
		investor_locked INTEGER NOT NULL DEFAULT 0,
		investor_id TEXT NOT NULL DEFAULT '',
		booked_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);
	-- Sweeper scan
	CREATE INDEX IF NOT EXISTS idx_inventory_hold_expiry
		ON inventory(hold_expires_at) WHERE status = 'held';

	CREATE TABLE IF NOT EXISTS investor_assignments (
		id TEXT PRIMARY KEY,
		investor_id TEXT NOT NULL,
		inventory_id TEXT NOT NULL REFERENCES inventory(id),
		share TEXT NOT NULL,
		consent_required INTEGER NOT NULL,
		status TEXT NOT NULL,
		assigned_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		revoked_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_assignments_inventory
		ON investor_assignments(inventory_id, status);

	CREATE TABLE IF NOT EXISTS consents (
		hold_id TEXT NOT NULL,
		investor_id TEXT NOT NULL,
		inventory_id TEXT NOT NULL,
		approved INTEGER NOT NULL,
		recorded_by TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (hold_id, investor_id)
	);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		inventory_id TEXT NOT NULL REFERENCES inventory(id),
		project_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		fees TEXT NOT NULL,
		status TEXT NOT NULL,
		booking_type TEXT NOT NULL,
		hold_id TEXT NOT NULL DEFAULT '',
		booked_by TEXT NOT NULL DEFAULT '',
		approved_by TEXT NOT NULL DEFAULT '',
		cancelled_by TEXT NOT NULL DEFAULT '',
		cancellation_reason TEXT NOT NULL DEFAULT '',
		cancelled_at TEXT,
		remarks TEXT NOT NULL DEFAULT '',
		booked_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	-- CRITICAL: at most one confirmed/active booking per unit
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_active_unit
		ON bookings(inventory_id)
		WHERE status IN ('confirmed', 'active');

	CREATE INDEX IF NOT EXISTS idx_bookings_project_status
		ON bookings(project_id, status);

	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		booking_id TEXT NOT NULL REFERENCES bookings(id),
		sequence INTEGER NOT NULL,
		kind TEXT NOT NULL,
		due_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		paid_date TEXT,
		version INTEGER NOT NULL,
		UNIQUE (booking_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		booking_id TEXT NOT NULL REFERENCES bookings(id),
		customer_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		received_on TEXT NOT NULL,
		reference_number TEXT NOT NULL DEFAULT '',
		cheque_number TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		recorded_by TEXT NOT NULL,
		allocations_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_booking ON payments(booking_id);

	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		booking_id TEXT NOT NULL REFERENCES bookings(id),
		inventory_id TEXT NOT NULL,
		from_customer TEXT NOT NULL,
		to_customer TEXT NOT NULL,
		fee TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		decided_by TEXT NOT NULL DEFAULT '',
		decided_at TEXT,
		remarks TEXT NOT NULL DEFAULT '',
		booking_version INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transfers_booking_status
		ON transfers(booking_id, status);

	CREATE TABLE IF NOT EXISTS sequences (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		inventory_id TEXT NOT NULL,
		trace_id TEXT NOT NULL DEFAULT '',
		payload_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_inventory ON audit_log(inventory_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE
// =============================================================================

// WithTx executes fn within a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return mapError(sqlTx.Commit())
}

// ListExpiredHolds returns held units whose expiry is at or before asOf.
func (s *Store) ListExpiredHolds(ctx context.Context, asOf time.Time, limit int) ([]engine.InventoryID, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM inventory
		WHERE status = 'held' AND hold_expires_at IS NOT NULL AND hold_expires_at <= ?
		ORDER BY id LIMIT ?`, ts(asOf), limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ids []engine.InventoryID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, engine.InventoryID(id))
	}
	return ids, rows.Err()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// ERRORS AND ENCODING
// =============================================================================

// mapError turns driver errors into engine error kinds.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", engine.ErrTransient, err)
		}
	}
	return err
}

func isUniqueViolation(err error, column string) bool {
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return strings.Contains(se.Error(), column)
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+column)
}

func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTS(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTS(ns.String)
	return &t
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type txStore struct {
	tx *sql.Tx
}

func notFound(entity, id string) error {
	return &engine.NotFoundError{Entity: entity, ID: id}
}

func (t *txStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	return res, mapError(err)
}

// versioned runs an optimistic UPDATE and tells a lost race from a
// missing row.
func (t *txStore) versioned(ctx context.Context, table, entity, id string, query string, args ...any) error {
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var one int
	err = t.tx.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(entity, id)
	}
	if err != nil {
		return mapError(err)
	}
	return engine.ErrConcurrentModification
}

// --- Inventory ---

const inventoryColumns = `id, code, project_id, phase_block_id, unit_number, unit_type, category,
	size, price, status, hold_id, held_by, hold_expires_at, investor_locked, investor_id,
	booked_by, created_at, updated_at, version`

func scanInventory(row scanner) (engine.Inventory, error) {
	var inv engine.Inventory
	var expires sql.NullString
	var created, updated string
	err := row.Scan(&inv.ID, &inv.Code, &inv.ProjectID, &inv.PhaseBlockID, &inv.UnitNumber,
		&inv.UnitType, &inv.Category, &inv.Size, &inv.Price, &inv.Status, &inv.HoldID,
		&inv.HeldBy, &expires, &inv.InvestorLocked, &inv.InvestorID, &inv.BookedBy,
		&created, &updated, &inv.Version)
	if err != nil {
		return inv, err
	}
	inv.HoldExpiresAt = parseNullTS(expires)
	inv.CreatedAt = parseTS(created)
	inv.UpdatedAt = parseTS(updated)
	return inv, nil
}

func (t *txStore) InsertInventory(ctx context.Context, inv engine.Inventory) error {
	_, err := t.exec(ctx, `INSERT INTO inventory (`+inventoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Code, inv.ProjectID, inv.PhaseBlockID, inv.UnitNumber, inv.UnitType,
		inv.Category, inv.Size, inv.Price, inv.Status, inv.HoldID, inv.HeldBy,
		nullTS(inv.HoldExpiresAt), inv.InvestorLocked, inv.InvestorID, inv.BookedBy,
		ts(inv.CreatedAt), ts(inv.UpdatedAt), inv.Version)
	return err
}

func (t *txStore) LockInventory(ctx context.Context, id engine.InventoryID) (engine.Inventory, error) {
	inv, err := scanInventory(t.tx.QueryRowContext(ctx,
		`SELECT `+inventoryColumns+` FROM inventory WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return inv, notFound("inventory", string(id))
	}
	return inv, mapError(err)
}

func (t *txStore) UpdateInventory(ctx context.Context, inv engine.Inventory) error {
	return t.versioned(ctx, "inventory", "inventory", string(inv.ID), `
		UPDATE inventory SET
			phase_block_id = ?, unit_number = ?, unit_type = ?, category = ?, size = ?,
			price = ?, status = ?, hold_id = ?, held_by = ?, hold_expires_at = ?,
			investor_locked = ?, investor_id = ?, booked_by = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		inv.PhaseBlockID, inv.UnitNumber, inv.UnitType, inv.Category, inv.Size,
		inv.Price, inv.Status, inv.HoldID, inv.HeldBy, nullTS(inv.HoldExpiresAt),
		inv.InvestorLocked, inv.InvestorID, inv.BookedBy, ts(inv.UpdatedAt),
		inv.ID, inv.Version)
}

// --- Builders and projects ---

func (t *txStore) InsertBuilder(ctx context.Context, b engine.Builder) error {
	_, err := t.exec(ctx, `INSERT INTO builders (id, code, name, max_projects, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Code, b.Name, b.MaxProjects, b.Status, ts(b.CreatedAt))
	return err
}

func (t *txStore) GetBuilder(ctx context.Context, id engine.BuilderID) (engine.Builder, error) {
	var b engine.Builder
	var created string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, code, name, max_projects, status, created_at FROM builders WHERE id = ?`, id,
	).Scan(&b.ID, &b.Code, &b.Name, &b.MaxProjects, &b.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return b, notFound("builder", string(id))
	}
	if err != nil {
		return b, mapError(err)
	}
	b.CreatedAt = parseTS(created)
	return b, nil
}

func (t *txStore) InsertProject(ctx context.Context, p engine.Project) error {
	_, err := t.exec(ctx, `INSERT INTO projects (id, code, builder_id, name, location, unit_capacity, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Code, p.BuilderID, p.Name, p.Location, p.UnitCapacity, p.Status, ts(p.CreatedAt))
	return err
}

func (t *txStore) GetProject(ctx context.Context, id engine.ProjectID) (engine.Project, error) {
	var p engine.Project
	var created string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, code, builder_id, name, location, unit_capacity, status, created_at
		FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Code, &p.BuilderID, &p.Name, &p.Location, &p.UnitCapacity, &p.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return p, notFound("project", string(id))
	}
	if err != nil {
		return p, mapError(err)
	}
	p.CreatedAt = parseTS(created)
	return p, nil
}

func (t *txStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, mapError(err)
}

func (t *txStore) CountProjects(ctx context.Context, builder engine.BuilderID) (int, error) {
	return t.count(ctx, `SELECT COUNT(*) FROM projects WHERE builder_id = ?`, builder)
}

func (t *txStore) CountActiveBookings(ctx context.Context, project engine.ProjectID) (int, error) {
	return t.count(ctx, `SELECT COUNT(*) FROM bookings
		WHERE project_id = ? AND status IN ('confirmed', 'active')`, project)
}

// --- Investors ---

const assignmentColumns = `id, investor_id, inventory_id, share, consent_required, status,
	assigned_by, created_at, revoked_at`

func scanAssignment(row scanner) (engine.InvestorAssignment, error) {
	var a engine.InvestorAssignment
	var created string
	var revoked sql.NullString
	err := row.Scan(&a.ID, &a.InvestorID, &a.InventoryID, &a.Share, &a.ConsentRequired,
		&a.Status, &a.AssignedBy, &created, &revoked)
	a.CreatedAt = parseTS(created)
	a.RevokedAt = parseNullTS(revoked)
	return a, err
}

func (t *txStore) InsertAssignment(ctx context.Context, a engine.InvestorAssignment) error {
	_, err := t.exec(ctx, `INSERT INTO investor_assignments (`+assignmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.InvestorID, a.InventoryID, a.Share, a.ConsentRequired, a.Status,
		a.AssignedBy, ts(a.CreatedAt), nullTS(a.RevokedAt))
	return err
}

func (t *txStore) GetAssignment(ctx context.Context, id engine.AssignmentID) (engine.InvestorAssignment, error) {
	a, err := scanAssignment(t.tx.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM investor_assignments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, notFound("assignment", string(id))
	}
	return a, mapError(err)
}

func (t *txStore) UpdateAssignment(ctx context.Context, a engine.InvestorAssignment) error {
	res, err := t.exec(ctx, `UPDATE investor_assignments
		SET share = ?, consent_required = ?, status = ?, revoked_at = ? WHERE id = ?`,
		a.Share, a.ConsentRequired, a.Status, nullTS(a.RevokedAt), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("assignment", string(a.ID))
	}
	return nil
}

func (t *txStore) ActiveAssignments(ctx context.Context, inv engine.InventoryID) ([]engine.InvestorAssignment, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM investor_assignments
		WHERE inventory_id = ? AND status = 'active' ORDER BY created_at, id`, inv)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []engine.InvestorAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txStore) SaveConsent(ctx context.Context, c engine.Consent) error {
	_, err := t.exec(ctx, `
		INSERT INTO consents (hold_id, investor_id, inventory_id, approved, recorded_by, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (hold_id, investor_id) DO UPDATE SET
			approved = excluded.approved,
			recorded_by = excluded.recorded_by,
			recorded_at = excluded.recorded_at`,
		c.HoldID, c.InvestorID, c.InventoryID, c.Approved, c.RecordedBy, ts(c.RecordedAt))
	return err
}

func (t *txStore) Consents(ctx context.Context, hold engine.HoldID) ([]engine.Consent, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT hold_id, investor_id, inventory_id, approved, recorded_by, recorded_at
		FROM consents WHERE hold_id = ? ORDER BY investor_id`, hold)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []engine.Consent
	for rows.Next() {
		var c engine.Consent
		var recorded string
		if err := rows.Scan(&c.HoldID, &c.InvestorID, &c.InventoryID, &c.Approved, &c.RecordedBy, &recorded); err != nil {
			return nil, err
		}
		c.RecordedAt = parseTS(recorded)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Bookings ---

const bookingColumns = `id, code, inventory_id, project_id, customer_id, amount, fees, status,
	booking_type, hold_id, booked_by, approved_by, cancelled_by, cancellation_reason,
	cancelled_at, remarks, booked_at, updated_at, version`

func scanBooking(row scanner) (engine.Booking, error) {
	var b engine.Booking
	var cancelled sql.NullString
	var booked, updated string
	err := row.Scan(&b.ID, &b.Code, &b.InventoryID, &b.ProjectID, &b.CustomerID, &b.Amount,
		&b.Fees, &b.Status, &b.Type, &b.HoldID, &b.BookedBy, &b.ApprovedBy, &b.CancelledBy,
		&b.CancellationReason, &cancelled, &b.Remarks, &booked, &updated, &b.Version)
	b.CancelledAt = parseNullTS(cancelled)
	b.BookedAt = parseTS(booked)
	b.UpdatedAt = parseTS(updated)
	return b, err
}

// doubleBooking builds the error for a unique violation on the active
// booking index, naming the booking that holds the unit.
func (t *txStore) doubleBooking(ctx context.Context, inv engine.InventoryID) error {
	e := &engine.DoubleBookingError{InventoryID: inv}
	if other, err := t.ActiveBooking(ctx, inv); err == nil && other != nil {
		e.ExistingBookingID = other.ID
	}
	return e
}

func (t *txStore) InsertBooking(ctx context.Context, b engine.Booking) error {
	_, err := t.exec(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Code, b.InventoryID, b.ProjectID, b.CustomerID, b.Amount, b.Fees, b.Status,
		b.Type, b.HoldID, b.BookedBy, b.ApprovedBy, b.CancelledBy, b.CancellationReason,
		nullTS(b.CancelledAt), b.Remarks, ts(b.BookedAt), ts(b.UpdatedAt), b.Version)
	if isUniqueViolation(err, "bookings.inventory_id") {
		return t.doubleBooking(ctx, b.InventoryID)
	}
	return err
}

func (t *txStore) GetBooking(ctx context.Context, id engine.BookingID) (engine.Booking, error) {
	b, err := scanBooking(t.tx.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return b, notFound("booking", string(id))
	}
	return b, mapError(err)
}

func (t *txStore) LockBooking(ctx context.Context, id engine.BookingID) (engine.Booking, error) {
	return t.GetBooking(ctx, id)
}

func (t *txStore) UpdateBooking(ctx context.Context, b engine.Booking) error {
	err := t.versioned(ctx, "bookings", "booking", string(b.ID), `
		UPDATE bookings SET
			customer_id = ?, amount = ?, fees = ?, status = ?, booking_type = ?,
			approved_by = ?, cancelled_by = ?, cancellation_reason = ?, cancelled_at = ?,
			remarks = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		b.CustomerID, b.Amount, b.Fees, b.Status, b.Type,
		b.ApprovedBy, b.CancelledBy, b.CancellationReason, nullTS(b.CancelledAt),
		b.Remarks, ts(b.UpdatedAt), b.ID, b.Version)
	if isUniqueViolation(err, "bookings.inventory_id") {
		return t.doubleBooking(ctx, b.InventoryID)
	}
	return err
}

func (t *txStore) ActiveBooking(ctx context.Context, inv engine.InventoryID) (*engine.Booking, error) {
	b, err := scanBooking(t.tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE inventory_id = ? AND status IN ('confirmed', 'active')`, inv))
	if errors.Is(err, sql.ErrNoRows) {
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
	stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO installments (`+installmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return mapError(err)
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.ID, it.Code, it.BookingID, it.Sequence, it.Kind,
			ts(it.DueDate), it.Amount, it.PaidAmount, it.Status, nullTS(it.PaidDate), it.Version); err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (t *txStore) Installments(ctx context.Context, booking engine.BookingID) ([]engine.Installment, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+installmentColumns+` FROM installments
		WHERE booking_id = ? ORDER BY sequence`, booking)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []engine.Installment
	for rows.Next() {
		var it engine.Installment
		var due string
		var paid sql.NullString
		if err := rows.Scan(&it.ID, &it.Code, &it.BookingID, &it.Sequence, &it.Kind, &due,
			&it.Amount, &it.PaidAmount, &it.Status, &paid, &it.Version); err != nil {
			return nil, err
		}
		it.DueDate = parseTS(due)
		it.PaidDate = parseNullTS(paid)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (t *txStore) UpdateInstallment(ctx context.Context, it engine.Installment) error {
	res, err := t.exec(ctx, `UPDATE installments
		SET amount = ?, paid_amount = ?, status = ?, paid_date = ?, version = version + 1
		WHERE id = ?`,
		it.Amount, it.PaidAmount, it.Status, nullTS(it.PaidDate), it.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("installment", string(it.ID))
	}
	return nil
}

// --- Payments ---

func (t *txStore) InsertPayment(ctx context.Context, p engine.Payment) error {
	allocations, err := json.Marshal(p.Allocations)
	if err != nil {
		return fmt.Errorf("marshal allocations: %w", err)
	}
	_, err = t.exec(ctx, `INSERT INTO payments (id, code, booking_id, customer_id, amount, method,
		received_on, reference_number, cheque_number, bank_name, status, recorded_by,
		allocations_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Code, p.BookingID, p.CustomerID, p.Amount, p.Method, ts(p.ReceivedOn),
		p.ReferenceNumber, p.ChequeNumber, p.BankName, p.Status, p.RecordedBy,
		string(allocations), ts(p.CreatedAt))
	return err
}

func (t *txStore) Payments(ctx context.Context, booking engine.BookingID) ([]engine.Payment, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, code, booking_id, customer_id, amount, method,
		received_on, reference_number, cheque_number, bank_name, status, recorded_by,
		allocations_json, created_at
		FROM payments WHERE booking_id = ? ORDER BY created_at, code`, booking)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []engine.Payment
	for rows.Next() {
		var p engine.Payment
		var received, created, allocations string
		if err := rows.Scan(&p.ID, &p.Code, &p.BookingID, &p.CustomerID, &p.Amount, &p.Method,
			&received, &p.ReferenceNumber, &p.ChequeNumber, &p.BankName, &p.Status,
			&p.RecordedBy, &allocations, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(allocations), &p.Allocations); err != nil {
			return nil, fmt.Errorf("unmarshal allocations of %s: %w", p.ID, err)
		}
		p.ReceivedOn = parseTS(received)
		p.CreatedAt = parseTS(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Transfers ---

const transferColumns = `id, code, booking_id, inventory_id, from_customer, to_customer, fee,
	status, requested_by, decided_by, decided_at, remarks, booking_version, created_at`

func scanTransfer(row scanner) (engine.Transfer, error) {
	var tr engine.Transfer
	var decided sql.NullString
	var created string
	err := row.Scan(&tr.ID, &tr.Code, &tr.BookingID, &tr.InventoryID, &tr.FromCustomer,
		&tr.ToCustomer, &tr.Fee, &tr.Status, &tr.RequestedBy, &tr.DecidedBy, &decided,
		&tr.Remarks, &tr.BookingVersion, &created)
	tr.DecidedAt = parseNullTS(decided)
	tr.CreatedAt = parseTS(created)
	return tr, err
}

func (t *txStore) InsertTransfer(ctx context.Context, tr engine.Transfer) error {
	_, err := t.exec(ctx, `INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.Code, tr.BookingID, tr.InventoryID, tr.FromCustomer, tr.ToCustomer, tr.Fee,
		tr.Status, tr.RequestedBy, tr.DecidedBy, nullTS(tr.DecidedAt), tr.Remarks,
		tr.BookingVersion, ts(tr.CreatedAt))
	return err
}

func (t *txStore) GetTransfer(ctx context.Context, id engine.TransferID) (engine.Transfer, error) {
	tr, err := scanTransfer(t.tx.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tr, notFound("transfer", string(id))
	}
	return tr, mapError(err)
}

func (t *txStore) LockTransfer(ctx context.Context, id engine.TransferID) (engine.Transfer, error) {
	return t.GetTransfer(ctx, id)
}

func (t *txStore) UpdateTransfer(ctx context.Context, tr engine.Transfer) error {
	res, err := t.exec(ctx, `UPDATE transfers
		SET status = ?, decided_by = ?, decided_at = ?, remarks = ? WHERE id = ?`,
		tr.Status, tr.DecidedBy, nullTS(tr.DecidedAt), tr.Remarks, tr.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("transfer", string(tr.ID))
	}
	return nil
}

func (t *txStore) PendingTransfers(ctx context.Context, booking engine.BookingID) ([]engine.Transfer, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+transferColumns+` FROM transfers
		WHERE booking_id = ? AND status = 'pending' ORDER BY created_at, id`, booking)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []engine.Transfer
	for rows.Next() {
		tr, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// --- Sequences and audit ---

func (t *txStore) NextSequence(ctx context.Context, name string) (int64, error) {
	var v int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = value + 1
		RETURNING value`, name).Scan(&v)
	return v, mapError(err)
}

func (t *txStore) AppendAudit(ctx context.Context, e engine.AuditEntry) error {
	var payload any
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		payload = string(b)
	}
	_, err := t.exec(ctx, `INSERT INTO audit_log (id, timestamp, actor_id, action, subject_type,
		subject_id, inventory_id, trace_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, ts(e.Timestamp), e.ActorID, e.Action, e.SubjectType, e.SubjectID,
		e.InventoryID, e.TraceID, payload)
	return err
}

func (t *txStore) AuditTrail(ctx context.Context, inv engine.InventoryID) ([]engine.AuditEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, timestamp, actor_id, action, subject_type,
		subject_id, inventory_id, trace_id, payload_json
		FROM audit_log WHERE inventory_id = ? ORDER BY seq`, inv)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []engine.AuditEntry
	for rows.Next() {
		var e engine.AuditEntry
		var stamp string
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &stamp, &e.ActorID, &e.Action, &e.SubjectType,
			&e.SubjectID, &e.InventoryID, &e.TraceID, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = parseTS(stamp)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal audit payload of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ engine.Store = (*Store)(nil)
