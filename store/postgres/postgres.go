/*
Package postgres provides a PostgreSQL-backed implementation of ledger.TxStore.

PURPOSE:
  Same contract as store/sqlite, for deployments where several service
  instances share one database.

CONCURRENCY:
  Each transaction runs at READ COMMITTED and takes a row lock on the
  client (SELECT ... FOR UPDATE) before reading balances. Writers on the
  same client queue on that lock; writers on different clients proceed in
  parallel. UpdateClient also checks the version column.

  Serialization failures (40001), deadlocks (40P01) and unique violations
  (23505) are reported as ledger.ErrConflict so the engine retries.

APPEND-ONLY ENFORCEMENT:
  A trigger function rejects UPDATE and DELETE on audit_log, payments and
  rate_history.

DETAILS:
  Audit details are stored as JSONB.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/money"
)

// Store implements ledger.TxStore on a pgx connection pool.
type Store struct {
	db *pgxpool.Pool
}

var _ ledger.TxStore = (*Store)(nil)

// New connects to connString, verifies the connection and migrates the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{db: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		trainer_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		current_rate BIGINT NOT NULL CHECK (current_rate > 0),
		balance BIGINT NOT NULL DEFAULT 0,
		credit_balance BIGINT NOT NULL DEFAULT 0,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_clients_trainer ON clients(trainer_id, is_deleted);

	CREATE TABLE IF NOT EXISTS punches (
		id TEXT PRIMARY KEY,
		trainer_id TEXT NOT NULL,
		client_id TEXT NOT NULL REFERENCES clients(id),
		punch_date DATE NOT NULL,
		paid_with_credit BOOLEAN NOT NULL DEFAULT FALSE,
		credit_charged BIGINT NOT NULL DEFAULT 0,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_punches_client_date ON punches(trainer_id, client_id, punch_date DESC);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		trainer_id TEXT NOT NULL,
		client_id TEXT NOT NULL REFERENCES clients(id),
		amount BIGINT NOT NULL CHECK (amount > 0),
		classes_added BIGINT NOT NULL CHECK (classes_added >= 0),
		rate_at_payment BIGINT NOT NULL,
		credit_used BIGINT NOT NULL DEFAULT 0 CHECK (credit_used >= 0),
		credit_added BIGINT NOT NULL DEFAULT 0 CHECK (credit_added >= 0),
		payment_date DATE NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		seq BIGSERIAL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_client_date ON payments(trainer_id, client_id, payment_date DESC);

	CREATE TABLE IF NOT EXISTS rate_history (
		id TEXT PRIMARY KEY,
		trainer_id TEXT NOT NULL,
		client_id TEXT NOT NULL REFERENCES clients(id),
		rate BIGINT NOT NULL CHECK (rate > 0),
		effective_date DATE NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		seq BIGSERIAL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_history_client ON rate_history(trainer_id, client_id, seq);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		trainer_id TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		details JSONB NOT NULL,
		previous_balance BIGINT,
		new_balance BIGINT,
		previous_credit BIGINT,
		new_credit BIGINT,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_client_created ON audit_log(trainer_id, client_id, created_at DESC);

	CREATE OR REPLACE FUNCTION reject_mutation() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
	END;
	$$ LANGUAGE plpgsql;

	CREATE OR REPLACE TRIGGER audit_log_append_only BEFORE UPDATE OR DELETE ON audit_log
		FOR EACH ROW EXECUTE FUNCTION reject_mutation();
	CREATE OR REPLACE TRIGGER payments_append_only BEFORE UPDATE OR DELETE ON payments
		FOR EACH ROW EXECUTE FUNCTION reject_mutation();
	CREATE OR REPLACE TRIGGER rate_history_append_only BEFORE UPDATE OR DELETE ON rate_history
		FOR EACH ROW EXECUTE FUNCTION reject_mutation();
	`)
	return err
}

// Reset empties every table. Only meant for tests against a shared database.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `TRUNCATE audit_log, rate_history, payments, punches, clients`)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetClient(ctx context.Context, trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted bool) (*ledger.Client, error) {
	return getClient(ctx, s.db, trainerID, id, includeDeleted, false)
}

func (s *Store) ListClients(ctx context.Context, trainerID ledger.TrainerID, includeDeleted bool) ([]ledger.Client, error) {
	return listClients(ctx, s.db, trainerID, includeDeleted)
}

// AllClients returns non-deleted clients across every trainer.
func (s *Store) AllClients(ctx context.Context) ([]ledger.Client, error) {
	return queryClients(ctx, s.db, `SELECT `+clientColumns+` FROM clients WHERE NOT is_deleted ORDER BY trainer_id, name, id`)
}

func (s *Store) GetPunch(ctx context.Context, trainerID ledger.TrainerID, id ledger.PunchID) (*ledger.Punch, error) {
	return getPunch(ctx, s.db, trainerID, id)
}

func (s *Store) ListPunches(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID, filter ledger.PunchFilter) ([]ledger.Punch, int, error) {
	return listPunches(ctx, s.db, trainerID, clientID, filter)
}

func (s *Store) ListPayments(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID, page ledger.Page) ([]ledger.Payment, int, error) {
	return listPayments(ctx, s.db, trainerID, clientID, page)
}

func (s *Store) ListRateHistory(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.RateChange, error) {
	return listRateHistory(ctx, s.db, trainerID, clientID)
}

func (s *Store) ListAudit(ctx context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.AuditEntry, error) {
	return listAudit(ctx, s.db, trainerID, clientID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) GetClient(ctx context.Context, trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted bool) (*ledger.Client, error) {
	return getClient(ctx, ts.tx, trainerID, id, includeDeleted, false)
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

// LockClient reads the client with SELECT ... FOR UPDATE.
func (ts *txStore) LockClient(ctx context.Context, trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted bool) (*ledger.Client, error) {
	return getClient(ctx, ts.tx, trainerID, id, includeDeleted, true)
}

func (ts *txStore) InsertClient(ctx context.Context, c *ledger.Client) error {
	c.Version = 1
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO clients
		(id, trainer_id, name, phone, current_rate, balance, credit_balance, is_deleted, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(c.ID), string(c.TrainerID), c.Name, c.Phone, int64(c.CurrentRate), int64(c.Balance),
		int64(c.CreditBalance), c.IsDeleted, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	return classify("insert client", err)
}

func (ts *txStore) UpdateClient(ctx context.Context, c *ledger.Client) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE clients
		SET name = $1, phone = $2, current_rate = $3, balance = $4, credit_balance = $5,
		    is_deleted = $6, version = version + 1, updated_at = $7
		WHERE id = $8 AND trainer_id = $9 AND version = $10`,
		c.Name, c.Phone, int64(c.CurrentRate), int64(c.Balance), int64(c.CreditBalance),
		c.IsDeleted, c.UpdatedAt, string(c.ID), string(c.TrainerID), c.Version,
	)
	if err != nil {
		return classify("update client", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getClient(ctx, ts.tx, c.TrainerID, c.ID, true, false); err != nil {
			return err
		}
		return ledger.ErrConflict
	}
	c.Version++
	return nil
}

func (ts *txStore) InsertPunch(ctx context.Context, p *ledger.Punch) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO punches
		(id, trainer_id, client_id, punch_date, paid_with_credit, credit_charged, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(p.ID), string(p.TrainerID), string(p.ClientID), p.PunchDate.Time(), p.PaidWithCredit,
		int64(p.CreditCharged), p.IsDeleted, p.CreatedAt, p.UpdatedAt,
	)
	return classify("insert punch", err)
}

func (ts *txStore) UpdatePunch(ctx context.Context, p *ledger.Punch) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE punches SET punch_date = $1, is_deleted = $2, updated_at = $3
		WHERE id = $4 AND trainer_id = $5 AND NOT is_deleted`,
		p.PunchDate.Time(), p.IsDeleted, p.UpdatedAt, string(p.ID), string(p.TrainerID),
	)
	if err != nil {
		return classify("update punch", err)
	}
	if tag.RowsAffected() == 0 {
		return &ledger.NotFoundError{Kind: "punch", ID: string(p.ID)}
	}
	return nil
}

func (ts *txStore) InsertPayment(ctx context.Context, p *ledger.Payment) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO payments
		(id, trainer_id, client_id, amount, classes_added, rate_at_payment, credit_used, credit_added, payment_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(p.ID), string(p.TrainerID), string(p.ClientID), int64(p.Amount), int64(p.ClassesAdded),
		int64(p.RateAtPayment), int64(p.CreditUsed), int64(p.CreditAdded), p.PaymentDate.Time(), p.CreatedAt,
	)
	return classify("insert payment", err)
}

func (ts *txStore) InsertRateChange(ctx context.Context, r *ledger.RateChange) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO rate_history (id, trainer_id, client_id, rate, effective_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(r.ID), string(r.TrainerID), string(r.ClientID), int64(r.Rate), r.EffectiveDate.Time(), r.CreatedAt,
	)
	return classify("insert rate change", err)
}

func (ts *txStore) AppendAudit(ctx context.Context, e *ledger.AuditEntry) error {
	details, err := ledger.EncodeDetails(e.Details)
	if err != nil {
		return err
	}
	_, err = ts.tx.Exec(ctx, `
		INSERT INTO audit_log
		(id, trainer_id, client_id, action, details, previous_balance, new_balance, previous_credit, new_credit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(e.ID), string(e.TrainerID), string(e.ClientID), string(e.Action), string(details),
		classesArg(e.PreviousBalance), classesArg(e.NewBalance),
		paiseArg(e.PreviousCredit), paiseArg(e.NewCredit),
		e.CreatedAt,
	)
	return classify("append audit", err)
}

// =============================================================================
// QUERIES
// =============================================================================

const clientColumns = `id, trainer_id, name, phone, current_rate, balance, credit_balance, is_deleted, version, created_at, updated_at`

func getClient(ctx context.Context, q querier, trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted, forUpdate bool) (*ledger.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1 AND trainer_id = $2 AND (NOT is_deleted OR $3)`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	clients, err := queryClients(ctx, q, query, string(id), string(trainerID), includeDeleted)
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
		`SELECT `+clientColumns+` FROM clients WHERE trainer_id = $1 AND (NOT is_deleted OR $2) ORDER BY name, id`,
		string(trainerID), includeDeleted)
}

func queryClients(ctx context.Context, q querier, query string, args ...any) ([]ledger.Client, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query clients", err)
	}
	defer rows.Close()

	var result []ledger.Client
	for rows.Next() {
		var (
			c                     ledger.Client
			id, trainerID         string
			rate, balance, credit int64
		)
		if err := rows.Scan(&id, &trainerID, &c.Name, &c.Phone, &rate, &balance, &credit,
			&c.IsDeleted, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, classify("scan client", err)
		}
		c.ID = ledger.ClientID(id)
		c.TrainerID = ledger.TrainerID(trainerID)
		c.CurrentRate = money.Paise(rate)
		c.Balance = money.Classes(balance)
		c.CreditBalance = money.Paise(credit)
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		result = append(result, c)
	}
	return result, classify("query clients", rows.Err())
}

const punchColumns = `id, trainer_id, client_id, punch_date, paid_with_credit, credit_charged, is_deleted, created_at, updated_at`

func getPunch(ctx context.Context, q querier, trainerID ledger.TrainerID, id ledger.PunchID) (*ledger.Punch, error) {
	punches, err := queryPunches(ctx, q,
		`SELECT `+punchColumns+` FROM punches WHERE id = $1 AND trainer_id = $2`, string(id), string(trainerID))
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
	where := `WHERE trainer_id = $1 AND client_id = $2 AND (NOT is_deleted OR $3)`
	args := []any{string(trainerID), string(clientID), filter.IncludeRemoved}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM punches `+where, args...).Scan(&total); err != nil {
		return nil, 0, classify("count punches", err)
	}

	punches, err := queryPunches(ctx, q,
		`SELECT `+punchColumns+` FROM punches `+where+` ORDER BY punch_date DESC, created_at DESC, id DESC LIMIT $4 OFFSET $5`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return punches, total, nil
}

func queryPunches(ctx context.Context, q querier, query string, args ...any) ([]ledger.Punch, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query punches", err)
	}
	defer rows.Close()

	result := []ledger.Punch{}
	for rows.Next() {
		var (
			p                       ledger.Punch
			id, trainerID, clientID string
			punchDate               time.Time
			charged                 int64
		)
		if err := rows.Scan(&id, &trainerID, &clientID, &punchDate, &p.PaidWithCredit, &charged,
			&p.IsDeleted, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, classify("scan punch", err)
		}
		p.ID = ledger.PunchID(id)
		p.TrainerID = ledger.TrainerID(trainerID)
		p.ClientID = ledger.ClientID(clientID)
		p.PunchDate = dateOf(punchDate)
		p.CreditCharged = money.Paise(charged)
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		result = append(result, p)
	}
	return result, classify("query punches", rows.Err())
}

func listPayments(ctx context.Context, q querier, trainerID ledger.TrainerID, clientID ledger.ClientID, page ledger.Page) ([]ledger.Payment, int, error) {
	page = page.Normalize()

	var total int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM payments WHERE trainer_id = $1 AND client_id = $2`,
		string(trainerID), string(clientID)).Scan(&total); err != nil {
		return nil, 0, classify("count payments", err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, trainer_id, client_id, amount, classes_added, rate_at_payment, credit_used, credit_added, payment_date, created_at
		FROM payments
		WHERE trainer_id = $1 AND client_id = $2
		ORDER BY payment_date DESC, created_at DESC, seq DESC
		LIMIT $3 OFFSET $4`,
		string(trainerID), string(clientID), page.Limit, page.Offset)
	if err != nil {
		return nil, 0, classify("query payments", err)
	}
	defer rows.Close()

	result := []ledger.Payment{}
	for rows.Next() {
		var (
			p                                  ledger.Payment
			id, tID, cID                       string
			amount, classes, rate, used, added int64
			paymentDate                        time.Time
		)
		if err := rows.Scan(&id, &tID, &cID, &amount, &classes, &rate, &used, &added, &paymentDate, &p.CreatedAt); err != nil {
			return nil, 0, classify("scan payment", err)
		}
		p.ID = ledger.PaymentID(id)
		p.TrainerID = ledger.TrainerID(tID)
		p.ClientID = ledger.ClientID(cID)
		p.Amount = money.Paise(amount)
		p.ClassesAdded = money.Classes(classes)
		p.RateAtPayment = money.Paise(rate)
		p.CreditUsed = money.Paise(used)
		p.CreditAdded = money.Paise(added)
		p.PaymentDate = dateOf(paymentDate)
		p.CreatedAt = p.CreatedAt.UTC()
		result = append(result, p)
	}
	return result, total, classify("query payments", rows.Err())
}

func listRateHistory(ctx context.Context, q querier, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.RateChange, error) {
	rows, err := q.Query(ctx, `
		SELECT id, trainer_id, client_id, rate, effective_date, created_at
		FROM rate_history
		WHERE trainer_id = $1 AND client_id = $2
		ORDER BY seq ASC`,
		string(trainerID), string(clientID))
	if err != nil {
		return nil, classify("query rate history", err)
	}
	defer rows.Close()

	result := []ledger.RateChange{}
	for rows.Next() {
		var (
			r            ledger.RateChange
			id, tID, cID string
			rate         int64
			effective    time.Time
		)
		if err := rows.Scan(&id, &tID, &cID, &rate, &effective, &r.CreatedAt); err != nil {
			return nil, classify("scan rate change", err)
		}
		r.ID = ledger.RateChangeID(id)
		r.TrainerID = ledger.TrainerID(tID)
		r.ClientID = ledger.ClientID(cID)
		r.Rate = money.Paise(rate)
		r.EffectiveDate = dateOf(effective)
		r.CreatedAt = r.CreatedAt.UTC()
		result = append(result, r)
	}
	return result, classify("query rate history", rows.Err())
}

func listAudit(ctx context.Context, q querier, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.AuditEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, trainer_id, client_id, action, details,
		       previous_balance, new_balance, previous_credit, new_credit, created_at
		FROM audit_log
		WHERE trainer_id = $1 AND client_id = $2
		ORDER BY created_at DESC, id DESC`,
		string(trainerID), string(clientID))
	if err != nil {
		return nil, classify("query audit", err)
	}
	defer rows.Close()

	result := []ledger.AuditEntry{}
	for rows.Next() {
		var (
			e                     ledger.AuditEntry
			id, tID, cID, action  string
			details               []byte
			prevBal, newBal       *int64
			prevCredit, newCredit *int64
		)
		if err := rows.Scan(&id, &tID, &cID, &action, &details,
			&prevBal, &newBal, &prevCredit, &newCredit, &e.CreatedAt); err != nil {
			return nil, classify("scan audit", err)
		}
		e.ID = ledger.AuditID(id)
		e.TrainerID = ledger.TrainerID(tID)
		e.ClientID = ledger.ClientID(cID)
		e.Action = ledger.Action(action)
		if e.Details, err = ledger.DecodeDetails(e.Action, details); err != nil {
			return nil, fmt.Errorf("audit %s: %w", e.ID, err)
		}
		e.PreviousBalance = classesOrNil(prevBal)
		e.NewBalance = classesOrNil(newBal)
		e.PreviousCredit = paiseOrNil(prevCredit)
		e.NewCredit = paiseOrNil(newCredit)
		e.CreatedAt = e.CreatedAt.UTC()
		result = append(result, e)
	}
	return result, classify("query audit", rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

// PostgreSQL error codes that mean "try again".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
			return fmt.Errorf("%s: %w: %v", op, ledger.ErrConflict, err)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func dateOf(t time.Time) ledger.Date {
	return ledger.NewDate(t.Year(), t.Month(), t.Day())
}

func classesArg(c *money.Classes) *int64 {
	if c == nil {
		return nil
	}
	v := int64(*c)
	return &v
}

func paiseArg(p *money.Paise) *int64 {
	if p == nil {
		return nil
	}
	v := int64(*p)
	return &v
}

func classesOrNil(v *int64) *money.Classes {
	if v == nil {
		return nil
	}
	c := money.Classes(*v)
	return &c
}

func paiseOrNil(v *int64) *money.Paise {
	if v == nil {
		return nil
	}
	p := money.Paise(*v)
	return &p
}
