/*
Package sqlite provides the durable SQLite-backed ledger.TxStore.

PURPOSE:

	Implements the full persistence surface (accounts, append-only ledger
	entries, credentials, bundles, payments) using SQLite. The same SQL
	shape applies to PostgreSQL with minor dialect changes.

APPEND-ONLY ENFORCEMENT:

	No UPDATE or DELETE ever touches ledger_entries. The single sanctioned
	removal in this file is PrunePayments, which operates on the payments
	table only.

KEY TABLES:

	accounts        one row per billable principal (balance lives here)
	ledger_entries  immutable signed records; UNIQUE(idempotency_key)
	credentials     token_hash lookup is the validation fallback path
	bundles         package definitions, soft-deactivated
	payments        pending/resolved gateway deposits

WAL MODE:

	SQLite is opened with WAL for better concurrency: readers don't block,
	one writer at a time, better crash recovery. SQLITE_BUSY surfaces as
	ledger.ErrConcurrencyConflict and is retried by the ledger service.

USAGE:

	store, err := sqlite.New("./data/keygate.db")  // or ":memory:"
	defer store.Close()

SEE ALSO:
  - ledger/store.go: interface definitions and contracts
  - ledger/store/memory.go: in-memory implementation for tests
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

	_ "github.com/mattn/go-sqlite3"

	"github.com/keygate/credential-engine/ledger"
)

// Store implements ledger.TxStore on SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: sqlite serializes writers anyway, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		referral_code TEXT UNIQUE,
		referred_by TEXT,
		created_at TEXT NOT NULL,
		deactivated_at TEXT
	);

	-- Reverse lookup on the weak referred_by reference.
	CREATE INDEX IF NOT EXISTS idx_accounts_referred_by
		ON accounts(referred_by) WHERE referred_by IS NOT NULL;

	-- Append-only ledger. No UPDATE, no DELETE.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		related_credential_id TEXT,
		external_payment_ref TEXT,
		description TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account
		ON ledger_entries(account_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_account_kind
		ON ledger_entries(account_id, kind);
	CREATE INDEX IF NOT EXISTS idx_entries_idempotency
		ON ledger_entries(idempotency_key) WHERE idempotency_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		owner_account_id TEXT NOT NULL REFERENCES accounts(id),
		token_hash TEXT NOT NULL UNIQUE,
		duration_hours INTEGER NOT NULL,
		scope TEXT NOT NULL,
		created_at TEXT NOT NULL,
		activated_at TEXT,
		revoked_at TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_credentials_owner
		ON credentials(owner_account_id);
	-- Janitor scan: active, activated credentials ordered by activation.
	CREATE INDEX IF NOT EXISTS idx_credentials_active_activated
		ON credentials(activated_at) WHERE is_active AND activated_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS bundles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		duration_hours_per_token INTEGER NOT NULL,
		scope TEXT NOT NULL,
		discount_percent INTEGER NOT NULL,
		base_price TEXT NOT NULL,
		total_price TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		external_ref TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_status
		ON payments(status, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// dbtx abstracts *sql.DB and *sql.Tx so the same query code serves both.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func createAccount(ctx context.Context, db dbtx, a *ledger.Account) error {
	var referredBy sql.NullString
	if a.ReferredBy != nil {
		referredBy = sql.NullString{String: string(*a.ReferredBy), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, referral_code, referred_by, created_at, deactivated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Balance.Value.String(),
		nullString(a.ReferralCode),
		referredBy,
		formatTime(a.CreatedAt),
		nullTime(a.DeactivatedAt),
	)
	return mapError(err, nil)
}

const accountColumns = `id, balance, referral_code, referred_by, created_at, deactivated_at`

func scanAccount(row interface{ Scan(...any) error }) (*ledger.Account, error) {
	var (
		a             ledger.Account
		balance       string
		referralCode  sql.NullString
		referredBy    sql.NullString
		createdAt     string
		deactivatedAt sql.NullString
	)
	if err := row.Scan(&a.ID, &balance, &referralCode, &referredBy, &createdAt, &deactivatedAt); err != nil {
		return nil, err
	}
	a.Balance = ledger.MustParseMoney(balance)
	a.ReferralCode = referralCode.String
	if referredBy.Valid {
		id := ledger.AccountID(referredBy.String)
		a.ReferredBy = &id
	}
	a.CreatedAt = parseTime(createdAt)
	a.DeactivatedAt = parseNullTime(deactivatedAt)
	return &a, nil
}

func getAccount(ctx context.Context, db dbtx, id ledger.AccountID) (*ledger.Account, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		return nil, mapError(err, ledger.ErrAccountNotFound)
	}
	return a, nil
}

func getAccountByReferralCode(ctx context.Context, db dbtx, code string) (*ledger.Account, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE referral_code = ?`, code)
	a, err := scanAccount(row)
	if err != nil {
		return nil, mapError(err, ledger.ErrAccountNotFound)
	}
	return a, nil
}

func listReferredAccounts(ctx context.Context, db dbtx, referrer ledger.AccountID) ([]*ledger.Account, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE referred_by = ? ORDER BY created_at ASC`,
		referrer)
	if err != nil {
		return nil, mapError(err, nil)
	}
	defer rows.Close()

	var out []*ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func updateBalance(ctx context.Context, db dbtx, id ledger.AccountID, balance ledger.Money) error {
	res, err := db.ExecContext(ctx,
		`UPDATE accounts SET balance = ? WHERE id = ?`, balance.Value.String(), id)
	if err != nil {
		return mapError(err, nil)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func deactivateAccount(ctx context.Context, db dbtx, id ledger.AccountID, at time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE accounts SET deactivated_at = ? WHERE id = ? AND deactivated_at IS NULL`,
		formatTime(at), id)
	if err != nil {
		return mapError(err, nil)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// =============================================================================
// LEDGER ENTRIES (append-only)
// =============================================================================

func appendEntry(ctx context.Context, db dbtx, e ledger.Entry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, account_id, amount, kind, related_credential_id, external_payment_ref,
		 description, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.AccountID,
		e.Amount.Value.String(),
		e.Kind,
		nullString(string(e.RelatedCredentialID)),
		nullString(e.ExternalPaymentRef),
		nullString(e.Description),
		nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return mapError(err, nil)
	}
	return nil
}

const entryColumns = `id, account_id, amount, kind, related_credential_id,
	external_payment_ref, description, idempotency_key, created_at`

func listEntries(ctx context.Context, db dbtx, id ledger.AccountID, f ledger.EntryFilter) ([]ledger.Entry, int, error) {
	where := `WHERE account_id = ?`
	args := []any{id}
	if f.Kind != "" {
		where += ` AND kind = ?`
		args = append(args, f.Kind)
	}

	var total int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries `+where, args...).Scan(&total); err != nil {
		return nil, 0, mapError(err, nil)
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries ` + where +
		` ORDER BY created_at DESC, rowid DESC`
	if f.PerPage > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.PerPage, (page-1)*f.PerPage)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, mapError(err, nil)
	}
	defer rows.Close()

	entries := []ledger.Entry{}
	for rows.Next() {
		var (
			e           ledger.Entry
			amount      string
			relatedID   sql.NullString
			externalRef sql.NullString
			description sql.NullString
			idemKey     sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &amount, &e.Kind,
			&relatedID, &externalRef, &description, &idemKey, &createdAt); err != nil {
			return nil, 0, err
		}
		e.Amount = ledger.MustParseMoney(amount)
		e.RelatedCredentialID = ledger.CredentialID(relatedID.String)
		e.ExternalPaymentRef = externalRef.String
		e.Description = description.String
		e.IdempotencyKey = idemKey.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// sumEntries sums in Go with decimal arithmetic; SQLite's SUM would coerce
// the TEXT amounts to float.
func sumEntries(ctx context.Context, db dbtx, id ledger.AccountID) (ledger.Money, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT amount FROM ledger_entries WHERE account_id = ?`, id)
	if err != nil {
		return ledger.Money{}, mapError(err, nil)
	}
	defer rows.Close()

	sum := ledger.Zero()
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return ledger.Money{}, err
		}
		sum = sum.Add(ledger.MustParseMoney(amount))
	}
	return sum, rows.Err()
}

func entryExists(ctx context.Context, db dbtx, key string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?`, key).Scan(&count)
	if err != nil {
		return false, mapError(err, nil)
	}
	return count > 0, nil
}

// =============================================================================
// CREDENTIALS
// =============================================================================

func createCredential(ctx context.Context, db dbtx, c *ledger.Credential) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO credentials
		(id, owner_account_id, token_hash, duration_hours, scope, created_at,
		 activated_at, revoked_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.OwnerAccountID,
		c.TokenHash,
		c.DurationHours,
		c.Scope,
		formatTime(c.CreatedAt),
		nullTime(c.ActivatedAt),
		nullTime(c.RevokedAt),
		c.IsActive,
	)
	return mapError(err, nil)
}

const credentialColumns = `id, owner_account_id, token_hash, duration_hours,
	scope, created_at, activated_at, revoked_at, is_active`

func scanCredential(row interface{ Scan(...any) error }) (*ledger.Credential, error) {
	var (
		c           ledger.Credential
		createdAt   string
		activatedAt sql.NullString
		revokedAt   sql.NullString
	)
	if err := row.Scan(&c.ID, &c.OwnerAccountID, &c.TokenHash, &c.DurationHours,
		&c.Scope, &createdAt, &activatedAt, &revokedAt, &c.IsActive); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	c.ActivatedAt = parseNullTime(activatedAt)
	c.RevokedAt = parseNullTime(revokedAt)
	return &c, nil
}

func getCredential(ctx context.Context, db dbtx, id ledger.CredentialID) (*ledger.Credential, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if err != nil {
		return nil, mapError(err, ledger.ErrCredentialNotFound)
	}
	return c, nil
}

func getCredentialByTokenHash(ctx context.Context, db dbtx, hash string) (*ledger.Credential, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE token_hash = ?`, hash)
	c, err := scanCredential(row)
	if err != nil {
		return nil, mapError(err, ledger.ErrCredentialNotFound)
	}
	return c, nil
}

func listCredentials(ctx context.Context, db dbtx, owner ledger.AccountID) ([]*ledger.Credential, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE owner_account_id = ? ORDER BY created_at ASC, rowid ASC`, owner)
	if err != nil {
		return nil, mapError(err, nil)
	}
	defer rows.Close()

	var out []*ledger.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// activateCredential is first-writer-wins: the UPDATE only lands when
// activated_at is still NULL, then the stored value is read back so a
// racing validator sees the winner's time.
func activateCredential(ctx context.Context, db dbtx, id ledger.CredentialID, at time.Time) (time.Time, error) {
	_, err := db.ExecContext(ctx,
		`UPDATE credentials SET activated_at = ? WHERE id = ? AND activated_at IS NULL`,
		formatTime(at), id)
	if err != nil {
		return time.Time{}, mapError(err, nil)
	}

	var stored sql.NullString
	err = db.QueryRowContext(ctx,
		`SELECT activated_at FROM credentials WHERE id = ?`, id).Scan(&stored)
	if err != nil {
		return time.Time{}, mapError(err, ledger.ErrCredentialNotFound)
	}
	if !stored.Valid {
		return time.Time{}, ledger.ErrCredentialNotFound
	}
	return parseTime(stored.String), nil
}

func revokeCredential(ctx context.Context, db dbtx, id ledger.CredentialID, at time.Time) error {
	// Guarded: only the first revocation wins. A concurrent revoker that
	// read the credential before this write sees zero rows and fails, so
	// its refund transaction rolls back instead of double-crediting.
	res, err := db.ExecContext(ctx,
		`UPDATE credentials SET revoked_at = ?, is_active = FALSE WHERE id = ? AND revoked_at IS NULL`,
		formatTime(at), id)
	if err != nil {
		return mapError(err, nil)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ledger.ErrCredentialNotFound
	}
	return nil
}

func listExpiredActive(ctx context.Context, db dbtx, now time.Time, limit int) ([]*ledger.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials
		WHERE is_active AND activated_at IS NOT NULL
		  AND datetime(activated_at, '+' || duration_hours || ' hours') < datetime(?)
		ORDER BY activated_at ASC`
	args := []any{formatTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, nil)
	}
	defer rows.Close()

	var out []*ledger.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// BUNDLES
// =============================================================================

func createBundle(ctx context.Context, db dbtx, b *ledger.Bundle) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO bundles
		(id, name, token_count, duration_hours_per_token, scope, discount_percent,
		 base_price, total_price, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.TokenCount, b.DurationHoursPerToken, b.Scope,
		b.DiscountPercent, b.BasePrice.Value.String(), b.TotalPrice.Value.String(),
		b.IsActive, formatTime(b.CreatedAt),
	)
	return mapError(err, nil)
}

const bundleColumns = `id, name, token_count, duration_hours_per_token, scope,
	discount_percent, base_price, total_price, is_active, created_at`

func scanBundle(row interface{ Scan(...any) error }) (*ledger.Bundle, error) {
	var (
		b          ledger.Bundle
		basePrice  string
		totalPrice string
		createdAt  string
	)
	if err := row.Scan(&b.ID, &b.Name, &b.TokenCount, &b.DurationHoursPerToken,
		&b.Scope, &b.DiscountPercent, &basePrice, &totalPrice, &b.IsActive, &createdAt); err != nil {
		return nil, err
	}
	b.BasePrice = ledger.MustParseMoney(basePrice)
	b.TotalPrice = ledger.MustParseMoney(totalPrice)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

func getBundle(ctx context.Context, db dbtx, id ledger.BundleID) (*ledger.Bundle, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+bundleColumns+` FROM bundles WHERE id = ?`, id)
	b, err := scanBundle(row)
	if err != nil {
		return nil, mapError(err, ledger.ErrBundleNotFound)
	}
	return b, nil
}

func listBundles(ctx context.Context, db dbtx, activeOnly bool) ([]*ledger.Bundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM bundles`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapError(err, nil)
	}
	defer rows.Close()

	var out []*ledger.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func deactivateBundle(ctx context.Context, db dbtx, id ledger.BundleID) error {
	res, err := db.ExecContext(ctx,
		`UPDATE bundles SET is_active = FALSE WHERE id = ?`, id)
	if err != nil {
		return mapError(err, nil)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ledger.ErrBundleNotFound
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func createPayment(ctx context.Context, db dbtx, p *ledger.Payment) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO payments (id, account_id, amount, status, external_ref, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.Amount.Value.String(), p.Status, p.ExternalRef,
		formatTime(p.CreatedAt), nullTime(p.ResolvedAt),
	)
	return mapError(err, nil)
}

const paymentColumns = `id, account_id, amount, status, external_ref, created_at, resolved_at`

func scanPayment(row interface{ Scan(...any) error }) (*ledger.Payment, error) {
	var (
		p          ledger.Payment
		amount     string
		createdAt  string
		resolvedAt sql.NullString
	)
	if err := row.Scan(&p.ID, &p.AccountID, &amount, &p.Status, &p.ExternalRef,
		&createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	p.Amount = ledger.MustParseMoney(amount)
	p.CreatedAt = parseTime(createdAt)
	p.ResolvedAt = parseNullTime(resolvedAt)
	return &p, nil
}

func getPaymentByRef(ctx context.Context, db dbtx, ref string) (*ledger.Payment, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_ref = ?`, ref)
	p, err := scanPayment(row)
	if err != nil {
		return nil, mapError(err, ledger.ErrPaymentNotFound)
	}
	return p, nil
}

func resolvePayment(ctx context.Context, db dbtx, ref string, status ledger.PaymentStatus, at time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE payments SET status = ?, resolved_at = ? WHERE external_ref = ?`,
		status, formatTime(at), ref)
	if err != nil {
		return mapError(err, nil)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ledger.ErrPaymentNotFound
	}
	return nil
}

func listPendingPayments(ctx context.Context, db dbtx, olderThan time.Time, limit int) ([]*ledger.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'pending' AND created_at < ? ORDER BY created_at ASC`
	args := []any{formatTime(olderThan)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, nil)
	}
	defer rows.Close()

	var out []*ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func prunePayments(ctx context.Context, db dbtx, before time.Time) (int, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM payments WHERE status = 'canceled' AND resolved_at < ?`,
		formatTime(before))
	if err != nil {
		return 0, mapError(err, nil)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// STORE METHODS - ledger.Store over the root connection
// =============================================================================

var _ ledger.TxStore = (*Store)(nil)

func (s *Store) CreateAccount(ctx context.Context, a *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createAccount(ctx, s.db, a)
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func (s *Store) GetAccountByReferralCode(ctx context.Context, code string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccountByReferralCode(ctx, s.db, code)
}

func (s *Store) ListReferredAccounts(ctx context.Context, referrer ledger.AccountID) ([]*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listReferredAccounts(ctx, s.db, referrer)
}

func (s *Store) UpdateBalance(ctx context.Context, id ledger.AccountID, balance ledger.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateBalance(ctx, s.db, id, balance)
}

func (s *Store) DeactivateAccount(ctx context.Context, id ledger.AccountID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deactivateAccount(ctx, s.db, id, at)
}

func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func (s *Store) ListEntries(ctx context.Context, id ledger.AccountID, f ledger.EntryFilter) ([]ledger.Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntries(ctx, s.db, id, f)
}

func (s *Store) SumEntries(ctx context.Context, id ledger.AccountID) (ledger.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumEntries(ctx, s.db, id)
}

func (s *Store) EntryExists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entryExists(ctx, s.db, key)
}

func (s *Store) CreateCredential(ctx context.Context, c *ledger.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createCredential(ctx, s.db, c)
}

func (s *Store) GetCredential(ctx context.Context, id ledger.CredentialID) (*ledger.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCredential(ctx, s.db, id)
}

func (s *Store) GetCredentialByTokenHash(ctx context.Context, hash string) (*ledger.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCredentialByTokenHash(ctx, s.db, hash)
}

func (s *Store) ListCredentials(ctx context.Context, owner ledger.AccountID) ([]*ledger.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCredentials(ctx, s.db, owner)
}

func (s *Store) ActivateCredential(ctx context.Context, id ledger.CredentialID, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activateCredential(ctx, s.db, id, at)
}

func (s *Store) RevokeCredential(ctx context.Context, id ledger.CredentialID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return revokeCredential(ctx, s.db, id, at)
}

func (s *Store) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]*ledger.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listExpiredActive(ctx, s.db, now, limit)
}

func (s *Store) CreateBundle(ctx context.Context, b *ledger.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createBundle(ctx, s.db, b)
}

func (s *Store) GetBundle(ctx context.Context, id ledger.BundleID) (*ledger.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBundle(ctx, s.db, id)
}

func (s *Store) ListBundles(ctx context.Context, activeOnly bool) ([]*ledger.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBundles(ctx, s.db, activeOnly)
}

func (s *Store) DeactivateBundle(ctx context.Context, id ledger.BundleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deactivateBundle(ctx, s.db, id)
}

func (s *Store) CreatePayment(ctx context.Context, p *ledger.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createPayment(ctx, s.db, p)
}

func (s *Store) GetPaymentByRef(ctx context.Context, ref string) (*ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPaymentByRef(ctx, s.db, ref)
}

func (s *Store) ResolvePayment(ctx context.Context, ref string, status ledger.PaymentStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resolvePayment(ctx, s.db, ref, status, at)
}

func (s *Store) ListPendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]*ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPendingPayments(ctx, s.db, olderThan, limit)
}

func (s *Store) PrunePayments(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return prunePayments(ctx, s.db, before)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. If fn returns an
// error the transaction is rolled back; otherwise it commits.
//
// The store lock serializes transactions across ALL accounts, matching
// SQLite's single-writer model on our one connection. Deployments that
// need cross-account write parallelism use the memory store or a
// different backend.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err, nil)
	}
	return nil
}

// txStore adapts one *sql.Tx to ledger.Store for use inside WithTx.
type txStore struct {
	tx *sql.Tx
}

var _ ledger.Store = (*txStore)(nil)

func (t *txStore) CreateAccount(ctx context.Context, a *ledger.Account) error {
	return createAccount(ctx, t.tx, a)
}
func (t *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return getAccount(ctx, t.tx, id)
}
func (t *txStore) GetAccountByReferralCode(ctx context.Context, code string) (*ledger.Account, error) {
	return getAccountByReferralCode(ctx, t.tx, code)
}
func (t *txStore) ListReferredAccounts(ctx context.Context, referrer ledger.AccountID) ([]*ledger.Account, error) {
	return listReferredAccounts(ctx, t.tx, referrer)
}
func (t *txStore) UpdateBalance(ctx context.Context, id ledger.AccountID, b ledger.Money) error {
	return updateBalance(ctx, t.tx, id, b)
}
func (t *txStore) DeactivateAccount(ctx context.Context, id ledger.AccountID, at time.Time) error {
	return deactivateAccount(ctx, t.tx, id, at)
}
func (t *txStore) AppendEntry(ctx context.Context, e ledger.Entry) error {
	return appendEntry(ctx, t.tx, e)
}
func (t *txStore) ListEntries(ctx context.Context, id ledger.AccountID, f ledger.EntryFilter) ([]ledger.Entry, int, error) {
	return listEntries(ctx, t.tx, id, f)
}
func (t *txStore) SumEntries(ctx context.Context, id ledger.AccountID) (ledger.Money, error) {
	return sumEntries(ctx, t.tx, id)
}
func (t *txStore) EntryExists(ctx context.Context, key string) (bool, error) {
	return entryExists(ctx, t.tx, key)
}
func (t *txStore) CreateCredential(ctx context.Context, c *ledger.Credential) error {
	return createCredential(ctx, t.tx, c)
}
func (t *txStore) GetCredential(ctx context.Context, id ledger.CredentialID) (*ledger.Credential, error) {
	return getCredential(ctx, t.tx, id)
}
func (t *txStore) GetCredentialByTokenHash(ctx context.Context, hash string) (*ledger.Credential, error) {
	return getCredentialByTokenHash(ctx, t.tx, hash)
}
func (t *txStore) ListCredentials(ctx context.Context, owner ledger.AccountID) ([]*ledger.Credential, error) {
	return listCredentials(ctx, t.tx, owner)
}
func (t *txStore) ActivateCredential(ctx context.Context, id ledger.CredentialID, at time.Time) (time.Time, error) {
	return activateCredential(ctx, t.tx, id, at)
}
func (t *txStore) RevokeCredential(ctx context.Context, id ledger.CredentialID, at time.Time) error {
	return revokeCredential(ctx, t.tx, id, at)
}
func (t *txStore) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]*ledger.Credential, error) {
	return listExpiredActive(ctx, t.tx, now, limit)
}
func (t *txStore) CreateBundle(ctx context.Context, b *ledger.Bundle) error {
	return createBundle(ctx, t.tx, b)
}
func (t *txStore) GetBundle(ctx context.Context, id ledger.BundleID) (*ledger.Bundle, error) {
	return getBundle(ctx, t.tx, id)
}
func (t *txStore) ListBundles(ctx context.Context, activeOnly bool) ([]*ledger.Bundle, error) {
	return listBundles(ctx, t.tx, activeOnly)
}
func (t *txStore) DeactivateBundle(ctx context.Context, id ledger.BundleID) error {
	return deactivateBundle(ctx, t.tx, id)
}
func (t *txStore) CreatePayment(ctx context.Context, p *ledger.Payment) error {
	return createPayment(ctx, t.tx, p)
}
func (t *txStore) GetPaymentByRef(ctx context.Context, ref string) (*ledger.Payment, error) {
	return getPaymentByRef(ctx, t.tx, ref)
}
func (t *txStore) ResolvePayment(ctx context.Context, ref string, status ledger.PaymentStatus, at time.Time) error {
	return resolvePayment(ctx, t.tx, ref, status, at)
}
func (t *txStore) ListPendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]*ledger.Payment, error) {
	return listPendingPayments(ctx, t.tx, olderThan, limit)
}
func (t *txStore) PrunePayments(ctx context.Context, before time.Time) (int, error) {
	return prunePayments(ctx, t.tx, before)
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed-width so stored timestamps sort lexicographically.
// RFC3339Nano trims trailing zeros, which breaks string comparison in
// `created_at < ?` filters and ORDER BY.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// mapError translates driver errors into ledger sentinels. notFound is the
// sentinel substituted for sql.ErrNoRows, per query.
func mapError(err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows) && notFound != nil:
		return notFound
	case isBusyError(err):
		return fmt.Errorf("%w: %v", ledger.ErrConcurrencyConflict, err)
	default:
		return err
	}
}
