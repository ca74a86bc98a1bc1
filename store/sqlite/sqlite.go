/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists clients, punches, payments, rate history and the audit log in a
  single SQLite file. This is the default store for a trainer running the
  service on one machine.

INTERFACES IMPLEMENTED:
  ledger.Store:   Trainer-scoped reads
  ledger.Tx:      Writes inside WithTx
  ledger.TxStore: WithTx + AllClients

APPEND-ONLY ENFORCEMENT:
  Triggers reject UPDATE and DELETE on audit_log, payments and
  rate_history. Punches are soft-deleted via is_deleted. Clients carry a
  version column and UpdateClient only writes when the version matches.

KEY TABLES:
  clients:      Per-client aggregate (balance, credit_balance, current_rate)
  punches:      One row per attended class, with its credit flags
  payments:     Immutable money-received rows with rate snapshot
  rate_history: Append-only rate changes
  audit_log:    Append-only history, JSON details per action

CONCURRENCY:
  Transactions start with BEGIN IMMEDIATE (_txlock=immediate), so a write
  transaction holds SQLite's single writer lock from its first read. A
  process-level RWMutex additionally serializes WithTx against reads on
  the same handle. SQLITE_BUSY/LOCKED surface as ledger.ErrConflict so the
  engine retries.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/money"
)

// timeLayout sorts lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

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

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		trainer_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		current_rate INTEGER NOT NULL CHECK (current_rate > 0),
		balance INTEGER NOT NULL DEFAULT 0,
		credit_balance INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_clients_trainer
		ON clients(trainer_id, is_deleted);

	CREATE TABLE IF NOT EXISTS punches (
		id TEXT PRIMARY KEY,
		trainer_id TEXT NOT NULL,
		client_id TEXT NOT NULL REFERENCES clients(id),
		punch_date TEXT NOT NULL,
		paid_with_credit INTEGER NOT NULL DEFAULT 0,
		credit_charged INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Punch listing (hot path): newest punch date first
	CREATE INDEX IF NOT EXISTS idx_punches_client_date
		ON punches(trainer_id, client_id, punch_date DESC);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		trainer_id TEXT NOT NULL,
		client_id TEXT NOT NULL REFERENCES clients(id),
		amount INTEGER NOT NULL CHECK (amount > 0),
		classes_added INTEGER NOT NULL CHECK (classes_added >= 0),
		rate_at_payment INTEGER NOT NULL,
		credit_used INTEGER NOT NULL DEFAULT 0 CHECK (credit_used >= 0),
		credit_added INTEGER NOT NULL DEFAULT 0 CHECK (credit_added >= 0),
		payment_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_client_date
		ON payments(trainer_id, client_id, payment_date DESC);

	CREATE TABLE IF NOT EXISTS rate_history (
		id TEXT PRIMARY KEY,
		trainer_id TEXT NOT NULL,
		client_id TEXT NOT NULL REFERENCES clients(id),
		rate INTEGER NOT NULL CHECK (rate > 0),
		effective_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rate_history_client
		ON rate_history(trainer_id, client_id, created_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		trainer_id TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		details TEXT NOT NULL,
		previous_balance INTEGER,
		new_balance INTEGER,
		previous_credit INTEGER,
		new_credit INTEGER,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_client_created
		ON audit_log(trainer_id, client_id, created_at DESC);

	-- Append-only tables
	CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
	BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
	BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS payments_no_update BEFORE UPDATE ON payments
	BEGIN SELECT RAISE(ABORT, 'payments are immutable'); END;
	CREATE TRIGGER IF NOT EXISTS payments_no_delete BEFORE DELETE ON payments
	BEGIN SELECT RAISE(ABORT, 'payments are immutable'); END;
	CREATE TRIGGER IF NOT EXISTS rate_history_no_update BEFORE UPDATE ON rate_history
	BEGIN SELECT RAISE(ABORT, 'rate_history is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS rate_history_no_delete BEFORE DELETE ON rate_history
	BEGIN SELECT RAISE(ABORT, 'rate_history is append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READS (ledger.Store interface)
// =============================================================================

func (s *Store) GetClient(ctx context.Context, trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted bool) (*ledger.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getClient(ctx, s.db, trainerID, id, includeDeleted)
}

func (s *Store) ListClients(ctx context.Context, trainerID ledger.TrainerID, includeDeleted bool) ([]ledger.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listClients(ctx, s.db, trainerID, includeDeleted)
}

// AllClients returns non-deleted clients across every trainer.
func (s *Store) AllClients(ctx context.Context) ([]ledger.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryClients(ctx, s.db, `SELECT `+clientColumns+` FROM clients WHERE is_deleted = 0 ORDER BY trainer_id, name, id`)
}

func (s *Store) GetPunch(ctx context.Context, trainerID ledger.TrainerID, id ledger.PunchID) (*ledger.Punch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPunch(ctx, s.db, trainerID, id)
}

func (s *Store) ListPunches(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID, filter ledger.PunchFilter) ([]ledger.Punch, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPunches(ctx, s.db, trainerID, clientID, filter)
}

func (s *Store) ListPayments(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID, page ledger.Page) ([]ledger.Payment, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPayments(ctx, s.db, trainerID, clientID, page)
}

func (s *Store) ListRateHistory(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.RateChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRateHistory(ctx, s.db, trainerID, clientID)
}

func (s *Store) ListAudit(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAudit(ctx, s.db, trainerID, clientID)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// txStore routes every read and write through the open *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetClient(ctx context.Context, trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted bool) (*ledger.Client, error) {
	return getClient(ctx, ts.tx, trainerID, id, includeDeleted)
}

func (ts *txStore) ListClients(ctx context.Context, trainerID ledger.TrainerID, includeDeleted bool) ([]ledger.Client, error) {
	return listClients(ctx, ts.tx, trainerID, includeDeleted)
}

func (ts *txStore) GetPunch(ctx context.Context, trainerID ledger.TrainerID, id ledger.PunchID) (*ledger.Punch, error) {
	return getPunch(ctx, ts.tx, trainerID, id)
}

func (ts *txStore) ListPunches(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID, filter ledger.PunchFilter) ([]ledger.Punch, int, error) {
	return listPunches(ctx, ts.tx, trainerID, clientID, filter)
}

func (ts *txStore) ListPayments(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID, page ledger.Page) ([]ledger.Payment, int, error) {
	return listPayments(ctx, ts.tx, trainerID, clientID, page)
}

func (ts *txStore) ListRateHistory(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.RateChange, error) {
	return listRateHistory(ctx, ts.tx, trainerID, clientID)
}

func (ts *txStore) ListAudit(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.AuditEntry, error) {
	return listAudit(ctx, ts.tx, trainerID, clientID)
}

// LockClient reads the client inside the transaction. BEGIN IMMEDIATE
// already holds the database write lock, so no row lock is needed.
func (ts *txStore) LockClient(ctx context.Context, trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted bool) (*ledger.Client, error) {
	return getClient(ctx, ts.tx, trainerID, id, includeDeleted)
}

func (ts *txStore) InsertClient(ctx context.Context, c *ledger.Client) error {
	c.Version = 1
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO clients
		(id, trainer_id, name, phone, current_rate, balance, credit_balance, is_deleted, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TrainerID, c.Name, c.Phone, int64(c.CurrentRate), int64(c.Balance), int64(c.CreditBalance),
		c.IsDeleted, c.Version, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	return classify("insert client", err)
}

func (ts *txStore) UpdateClient(ctx context.Context, c *ledger.Client) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE clients
		SET name = ?, phone = ?, current_rate = ?, balance = ?, credit_balance = ?,
		    is_deleted = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND trainer_id = ? AND version = ?`,
		c.Name, c.Phone, int64(c.CurrentRate), int64(c.Balance), int64(c.CreditBalance),
		c.IsDeleted, formatTime(c.UpdatedAt),
		c.ID, c.TrainerID, c.Version,
	)
	if err != nil {
		return classify("update client", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("update client", err)
	}
	if n == 0 {
		if _, err := getClient(ctx, ts.tx, c.TrainerID, c.ID, true); err != nil {
			return err
		}
		return ledger.ErrConflict
	}
	c.Version++
	return nil
}

func (ts *txStore) InsertPunch(ctx context.Context, p *ledger.Punch) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO punches
		(id, trainer_id, client_id, punch_date, paid_with_credit, credit_charged, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TrainerID, p.ClientID, p.PunchDate.String(), p.PaidWithCredit, int64(p.CreditCharged),
		p.IsDeleted, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return classify("insert punch", err)
}

// UpdatePunch writes the mutable punch fields, date and removal, of a live punch.
func (ts *txStore) UpdatePunch(ctx context.Context, p *ledger.Punch) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE punches SET punch_date = ?, is_deleted = ?, updated_at = ?
		WHERE id = ? AND trainer_id = ? AND is_deleted = 0`,
		p.PunchDate.String(), p.IsDeleted, formatTime(p.UpdatedAt), p.ID, p.TrainerID,
	)
	if err != nil {
		return classify("update punch", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return classify("update punch", err)
	} else if n == 0 {
		return &ledger.NotFoundError{Kind: "punch", ID: string(p.ID)}
	}
	return nil
}

func (ts *txStore) InsertPayment(ctx context.Context, p *ledger.Payment) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO payments
		(id, trainer_id, client_id, amount, classes_added, rate_at_payment, credit_used, credit_added, payment_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TrainerID, p.ClientID, int64(p.Amount), int64(p.ClassesAdded), int64(p.RateAtPayment),
		int64(p.CreditUsed), int64(p.CreditAdded), p.PaymentDate.String(), formatTime(p.CreatedAt),
	)
	return classify("insert payment", err)
}

func (ts *txStore) InsertRateChange(ctx context.Context, r *ledger.RateChange) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO rate_history (id, trainer_id, client_id, rate, effective_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.TrainerID, r.ClientID, int64(r.Rate), r.EffectiveDate.String(), formatTime(r.CreatedAt),
	)
	return classify("insert rate change", err)
}

func (ts *txStore) AppendAudit(ctx context.Context, e *ledger.AuditEntry) error {
	details, err := ledger.EncodeDetails(e.Details)
	if err != nil {
		return err
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO audit_log
		(id, trainer_id, client_id, action, details, previous_balance, new_balance, previous_credit, new_credit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TrainerID, e.ClientID, string(e.Action), string(details),
		nullClasses(e.PreviousBalance), nullClasses(e.NewBalance),
		nullPaise(e.PreviousCredit), nullPaise(e.NewCredit),
		formatTime(e.CreatedAt),
	)
	return classify("append audit", err)
}

// =============================================================================
// QUERIES
// =============================================================================

const clientColumns = `id, trainer_id, name, phone, current_rate, balance, credit_balance, is_deleted, version, created_at, updated_at`

func getClient(ctx context.Context, q querier, trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted bool) (*ledger.Client, error) {
	clients, err := queryClients(ctx, q,
		`SELECT `+clientColumns+` FROM clients WHERE id = ? AND trainer_id = ? AND (is_deleted = 0 OR ?)`,
		id, trainerID, includeDeleted)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, &ledger.NotFoundError{Kind: "client", ID: string(id)}
	}
	return &clients[0], nil
}

func listClients(ctx context.Context, q querier, trainerID ledger.TrainerID, includeDeleted bool) ([]ledger.Client, error) {
	return queryClients(ctx, q,
		`SELECT `+clientColumns+` FROM clients WHERE trainer_id = ? AND (is_deleted = 0 OR ?) ORDER BY name, id`,
		trainerID, includeDeleted)
}

func queryClients(ctx context.Context, q querier, query string, args ...any) ([]ledger.Client, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query clients", err)
	}
	defer rows.Close()

	var result []ledger.Client
	for rows.Next() {
		var (
			c                     ledger.Client
			rate, balance, credit int64
			createdAt, updatedAt  string
		)
		if err := rows.Scan(&c.ID, &c.TrainerID, &c.Name, &c.Phone, &rate, &balance, &credit,
			&c.IsDeleted, &c.Version, &createdAt, &updatedAt); err != nil {
			return nil, classify("scan client", err)
		}
		c.CurrentRate = money.Paise(rate)
		c.Balance = money.Classes(balance)
		c.CreditBalance = money.Paise(credit)
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		result = append(result, c)
	}
	return result, classify("query clients", rows.Err())
}

const punchColumns = `id, trainer_id, client_id, punch_date, paid_with_credit, credit_charged, is_deleted, created_at, updated_at`

func getPunch(ctx context.Context, q querier, trainerID ledger.TrainerID, id ledger.PunchID) (*ledger.Punch, error) {
	punches, err := queryPunches(ctx, q, `SELECT `+punchColumns+` FROM punches WHERE id = ? AND trainer_id = ?`, id, trainerID)
	if err != nil {
		return nil, err
	}
	if len(punches) == 0 {
		return nil, &ledger.NotFoundError{Kind: "punch", ID: string(id)}
	}
	return &punches[0], nil
}

func listPunches(ctx context.Context, q querier, trainerID ledger.TrainerID, clientID ledger.ClientID, filter ledger.PunchFilter) ([]ledger.Punch, int, error) {
	page := filter.Page.Normalize()
	where := `WHERE trainer_id = ? AND client_id = ? AND (is_deleted = 0 OR ?)`
	args := []any{trainerID, clientID, filter.IncludeRemoved}

	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM punches `+where, args...).Scan(&total); err != nil {
		return nil, 0, classify("count punches", err)
	}

	punches, err := queryPunches(ctx, q,
		`SELECT `+punchColumns+` FROM punches `+where+` ORDER BY punch_date DESC, created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return punches, total, nil
}

func queryPunches(ctx context.Context, q querier, query string, args ...any) ([]ledger.Punch, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query punches", err)
	}
	defer rows.Close()

	result := []ledger.Punch{}
	for rows.Next() {
		var (
			p                               ledger.Punch
			punchDate, createdAt, updatedAt string
			charged                         int64
		)
		if err := rows.Scan(&p.ID, &p.TrainerID, &p.ClientID, &punchDate, &p.PaidWithCredit, &charged,
			&p.IsDeleted, &createdAt, &updatedAt); err != nil {
			return nil, classify("scan punch", err)
		}
		if p.PunchDate, err = ledger.ParseDate(punchDate); err != nil {
			return nil, fmt.Errorf("punch %s: %w", p.ID, err)
		}
		p.CreditCharged = money.Paise(charged)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		result = append(result, p)
	}
	return result, classify("query punches", rows.Err())
}

func listPayments(ctx context.Context, q querier, trainerID ledger.TrainerID, clientID ledger.ClientID, page ledger.Page) ([]ledger.Payment, int, error) {
	page = page.Normalize()

	var total int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE trainer_id = ? AND client_id = ?`,
		trainerID, clientID).Scan(&total); err != nil {
		return nil, 0, classify("count payments", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, trainer_id, client_id, amount, classes_added, rate_at_payment, credit_used, credit_added, payment_date, created_at
		FROM payments
		WHERE trainer_id = ? AND client_id = ?
		ORDER BY payment_date DESC, created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`,
		trainerID, clientID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, classify("query payments", err)
	}
	defer rows.Close()

	result := []ledger.Payment{}
	for rows.Next() {
		var (
			p                                  ledger.Payment
			amount, classes, rate, used, added int64
			paymentDate, createdAt             string
		)
		if err := rows.Scan(&p.ID, &p.TrainerID, &p.ClientID, &amount, &classes, &rate, &used, &added,
			&paymentDate, &createdAt); err != nil {
			return nil, 0, classify("scan payment", err)
		}
		if p.PaymentDate, err = ledger.ParseDate(paymentDate); err != nil {
			return nil, 0, fmt.Errorf("payment %s: %w", p.ID, err)
		}
		p.Amount = money.Paise(amount)
		p.ClassesAdded = money.Classes(classes)
		p.RateAtPayment = money.Paise(rate)
		p.CreditUsed = money.Paise(used)
		p.CreditAdded = money.Paise(added)
		p.CreatedAt = parseTime(createdAt)
		result = append(result, p)
	}
	return result, total, classify("query payments", rows.Err())
}

func listRateHistory(ctx context.Context, q querier, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.RateChange, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, trainer_id, client_id, rate, effective_date, created_at
		FROM rate_history
		WHERE trainer_id = ? AND client_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		trainerID, clientID)
	if err != nil {
		return nil, classify("query rate history", err)
	}
	defer rows.Close()

	result := []ledger.RateChange{}
	for rows.Next() {
		var (
			r                        ledger.RateChange
			rate                     int64
			effectiveDate, createdAt string
		)
		if err := rows.Scan(&r.ID, &r.TrainerID, &r.ClientID, &rate, &effectiveDate, &createdAt); err != nil {
			return nil, classify("scan rate change", err)
		}
		if r.EffectiveDate, err = ledger.ParseDate(effectiveDate); err != nil {
			return nil, fmt.Errorf("rate change %s: %w", r.ID, err)
		}
		r.Rate = money.Paise(rate)
		r.CreatedAt = parseTime(createdAt)
		result = append(result, r)
	}
	return result, classify("query rate history", rows.Err())
}

func listAudit(ctx context.Context, q querier, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, trainer_id, client_id, action, details,
		       previous_balance, new_balance, previous_credit, new_credit, created_at
		FROM audit_log
		WHERE trainer_id = ? AND client_id = ?
		ORDER BY created_at DESC, id DESC`,
		trainerID, clientID)
	if err != nil {
		return nil, classify("query audit", err)
	}
	defer rows.Close()

	result := []ledger.AuditEntry{}
	for rows.Next() {
		var (
			e                          ledger.AuditEntry
			action, details, createdAt string
			prevBal, newBal            sql.NullInt64
			prevCredit, newCredit      sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.TrainerID, &e.ClientID, &action, &details,
			&prevBal, &newBal, &prevCredit, &newCredit, &createdAt); err != nil {
			return nil, classify("scan audit", err)
		}
		e.Action = ledger.Action(action)
		if e.Details, err = ledger.DecodeDetails(e.Action, []byte(details)); err != nil {
			return nil, fmt.Errorf("audit %s: %w", e.ID, err)
		}
		e.PreviousBalance = classesOrNil(prevBal)
		e.NewBalance = classesOrNil(newBal)
		e.PreviousCredit = paiseOrNil(prevCredit)
		e.NewCredit = paiseOrNil(newCredit)
		e.CreatedAt = parseTime(createdAt)
		result = append(result, e)
	}
	return result, classify("query audit", rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

// classify maps driver errors onto the ledger taxonomy. Busy, locked and
// unique-constraint failures become ErrConflict so the engine retries.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w: %v", op, ledger.ErrConflict, err)
		case se.ExtendedCode == sqlite3.ErrConstraintUnique, se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%s: %w: %v", op, ledger.ErrConflict, err)
		}
	}
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%s: %w: %v", op, ledger.ErrConflict, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullClasses(c *money.Classes) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*c), Valid: true}
}

func nullPaise(p *money.Paise) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func classesOrNil(n sql.NullInt64) *money.Classes {
	if !n.Valid {
		return nil
	}
	c := money.Classes(n.Int64)
	return &c
}

func paiseOrNil(n sql.NullInt64) *money.Paise {
	if !n.Valid {
		return nil
	}
	p := money.Paise(n.Int64)
	return &p
}
