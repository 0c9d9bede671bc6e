/*
Package sqlite provides the SQLite-backed implementation of the market
storage interfaces.

PURPOSE:
  Implements market.LotStore and market.LedgerStore on SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

CAS ENFORCEMENT:
  Lot mutations are guarded UPDATEs: the WHERE clause carries the
  caller's expected amount and the set of statuses the transition is
  legal from. Zero rows affected means the optimistic token went stale
  and the caller gets market.ErrConflict. There is no unguarded UPDATE
  on the lots table.

APPEND-ONLY ENFORCEMENT:
  The ledger_entries table has no UPDATE and no DELETE path. The partial
  unique index on (transaction_hash, wallet_address) backs the duplicate
  guard: a violated insert is answered with the already-stored row.

SPLIT ATOMICITY:
  SplitForSale wraps the amount decrement and the Completed-clone insert
  in one database transaction, so a crash can never leave one without
  the other.

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block,
  single writer at a time, better crash recovery.

USAGE:
  st, err := sqlite.New("./data/market.db")   // ":memory:" for tests
  ...
  engine := market.NewEngine(st, market.NewGuardedLedger(st, logger), gw, logger)

SEE ALSO:
  - market/store.go: interface contracts
  - market/store/memory.go: in-memory implementation with equal semantics
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/verdant/credit-market/market"
)

// Store implements market.LotStore and market.LedgerStore.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (and migrates) a SQLite store. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
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

func (s *Store) migrate() error {
	schema := `
	-- Sell lots. Mutated only through guarded UPDATEs; never deleted.
	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		unit_price TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT,
		submitted_at TEXT NOT NULL,
		reviewed_by TEXT,
		reviewed_at TEXT,
		admin_notes TEXT,
		completed_at TEXT,
		settlement_hash TEXT NOT NULL DEFAULT ''
	);

	-- FIFO order for the approved pool (hot path).
	CREATE INDEX IF NOT EXISTS idx_lots_status_submitted
		ON lots(status, submitted_at, id);
	CREATE INDEX IF NOT EXISTS idx_lots_owner
		ON lots(owner_id, submitted_at DESC);
	-- Replay detection for the settlement commit phase.
	CREATE INDEX IF NOT EXISTS idx_lots_settlement
		ON lots(settlement_hash) WHERE settlement_hash != '';

	-- Settlement ledger (append-only).
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		direction TEXT NOT NULL,
		amount INTEGER NOT NULL,
		value_amount TEXT,
		description TEXT,
		status TEXT NOT NULL,
		transaction_hash TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL
	);

	-- CRITICAL: duplicate guard. One entry per settlement per wallet.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_hash_wallet
		ON ledger_entries(transaction_hash, wallet_address)
		WHERE transaction_hash != '';

	CREATE INDEX IF NOT EXISTS idx_ledger_wallet
		ON ledger_entries(wallet_address, timestamp DESC);

	-- Settlement intents, written once per confirmed transfer. Commit
	-- replays authenticate against this table.
	CREATE TABLE IF NOT EXISTS settlement_intents (
		hash TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		buyer_wallet TEXT NOT NULL,
		requested_amount INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		total_value TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOT STORE (market.LotStore interface)
// =============================================================================

const lotColumns = `id, owner_id, wallet_address, amount, unit_price, status,
	description, submitted_at, reviewed_by, reviewed_at, admin_notes,
	completed_at, settlement_hash`

// Create inserts a new lot.
func (s *Store) Create(ctx context.Context, lot market.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLot(ctx, s.db, lot)
}

func (s *Store) insertLot(ctx context.Context, db execer, lot market.Lot) error {
	query := `
		INSERT INTO lots (` + lotColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		lot.ID,
		lot.OwnerID,
		lot.WalletAddress,
		lot.Amount,
		lot.UnitPrice.String(),
		string(lot.Status),
		lot.Description,
		lot.SubmittedAt.UTC().Format(time.RFC3339Nano),
		nullStringPtr(lot.ReviewedBy),
		nullTimePtr(lot.ReviewedAt),
		nullStringPtr(lot.AdminNotes),
		nullTimePtr(lot.CompletedAt),
		lot.SettlementHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lot: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetByID returns a lot by id.
func (s *Store) GetByID(ctx context.Context, id string) (*market.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+lotColumns+" FROM lots WHERE id = ?", id)
	lot, err := scanLotRow(row)
	if err == sql.ErrNoRows {
		return nil, market.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return lot, nil
}

// ListApproved returns the approved pool in FIFO order.
func (s *Store) ListApproved(ctx context.Context) ([]market.Lot, error) {
	return s.listByStatus(ctx, market.LotApproved, "submitted_at ASC, id ASC")
}

// ListPending returns the review queue, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]market.Lot, error) {
	return s.listByStatus(ctx, market.LotPending, "submitted_at ASC, id ASC")
}

func (s *Store) listByStatus(ctx context.Context, status market.LotStatus, order string) ([]market.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + lotColumns + " FROM lots WHERE status = ? ORDER BY " + order
	return s.queryLots(ctx, query, string(status))
}

// ListByOwner returns an owner's lots, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]market.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + lotColumns + ` FROM lots WHERE owner_id = ?
		ORDER BY submitted_at DESC, id ASC`
	return s.queryLots(ctx, query, ownerID)
}

// ListCompletedBySettlement returns Completed lots sold under a hash.
func (s *Store) ListCompletedBySettlement(ctx context.Context, hash string) ([]market.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + lotColumns + ` FROM lots
		WHERE status = ? AND settlement_hash = ? ORDER BY id ASC`
	return s.queryLots(ctx, query, string(market.LotCompleted), hash)
}

// FindPendingDuplicate returns an identical Pending submission, or nil.
func (s *Store) FindPendingDuplicate(ctx context.Context, ownerID, wallet string, amount int64) (*market.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + lotColumns + ` FROM lots
		WHERE status = ? AND owner_id = ? AND wallet_address = ? AND amount = ?
		LIMIT 1`
	lots, err := s.queryLots(ctx, query, string(market.LotPending), ownerID, wallet, amount)
	if err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, nil
	}
	return &lots[0], nil
}

// CompareAndUpdate applies upd iff the stored amount still matches the
// expected token and the lot is not terminal.
func (s *Store) CompareAndUpdate(ctx context.Context, id string, upd market.LotUpdate) (*market.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE lots SET
			amount = ?,
			status = ?,
			completed_at = COALESCE(?, completed_at),
			settlement_hash = CASE WHEN ? != '' THEN ? ELSE settlement_hash END,
			reviewed_by = COALESCE(?, reviewed_by),
			reviewed_at = COALESCE(?, reviewed_at),
			admin_notes = COALESCE(?, admin_notes)
		WHERE id = ? AND amount = ? AND status IN (?, ?)`,
		upd.NewAmount,
		string(upd.NewStatus),
		nullTimePtr(upd.CompletedAt),
		upd.SettlementHash, upd.SettlementHash,
		nullStringPtr(upd.ReviewedBy),
		nullTimePtr(upd.ReviewedAt),
		nullStringPtr(upd.AdminNotes),
		id, upd.ExpectedAmount,
		string(market.LotPending), string(market.LotApproved),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update lot: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish a missing lot from a stale token.
		var exists int
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM lots WHERE id = ?", id).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, market.ErrNotFound
		}
		return nil, market.ErrConflict
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+lotColumns+" FROM lots WHERE id = ?", id)
	return scanLotRow(row)
}

// SplitForSale decrements the original lot and inserts the Completed
// clone in one database transaction.
func (s *Store) SplitForSale(ctx context.Context, id string, expectedAmount int64, clone market.Lot) (*market.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin split transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE lots SET amount = amount - ?
		WHERE id = ? AND amount = ? AND status = ?`,
		clone.Amount, id, expectedAmount, string(market.LotApproved),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to decrement lot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, market.ErrConflict
	}

	if err := s.insertLot(ctx, tx, clone); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit split: %w", err)
	}
	return &clone, nil
}

func (s *Store) queryLots(ctx context.Context, query string, args ...any) ([]market.Lot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []market.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLotRow(row *sql.Row) (*market.Lot, error) {
	return scanLotFrom(row)
}

func scanLot(rows *sql.Rows) (*market.Lot, error) {
	return scanLotFrom(rows)
}

func scanLotFrom(r rowScanner) (*market.Lot, error) {
	var (
		lot         market.Lot
		unitPrice   string
		status      string
		description sql.NullString
		submittedAt string
		reviewedBy  sql.NullString
		reviewedAt  sql.NullString
		adminNotes  sql.NullString
		completedAt sql.NullString
	)

	err := r.Scan(
		&lot.ID, &lot.OwnerID, &lot.WalletAddress, &lot.Amount,
		&unitPrice, &status, &description, &submittedAt,
		&reviewedBy, &reviewedAt, &adminNotes, &completedAt,
		&lot.SettlementHash,
	)
	if err != nil {
		return nil, err
	}

	lot.UnitPrice = market.MustParsePrice(unitPrice)
	lot.Status = market.LotStatus(status)
	lot.Description = description.String
	lot.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedAt)
	if reviewedBy.Valid {
		lot.ReviewedBy = &reviewedBy.String
	}
	if reviewedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, reviewedAt.String)
		lot.ReviewedAt = &t
	}
	if adminNotes.Valid {
		lot.AdminNotes = &adminNotes.String
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		lot.CompletedAt = &t
	}
	return &lot, nil
}

// =============================================================================
// LEDGER STORE (market.LedgerStore interface)
// =============================================================================

const ledgerColumns = `id, owner_id, wallet_address, direction, amount,
	value_amount, description, status, transaction_hash, timestamp`

// InsertIfAbsent appends an entry unless (hash, wallet) already exists,
// in which case the stored entry is returned unchanged.
func (s *Store) InsertIfAbsent(ctx context.Context, entry market.LedgerEntry) (market.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var valueAmount sql.NullString
	if entry.ValueAmount != nil {
		valueAmount = sql.NullString{String: entry.ValueAmount.String(), Valid: true}
	}

	query := `
		INSERT INTO ledger_entries (` + ledgerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.OwnerID,
		entry.WalletAddress,
		string(entry.Direction),
		entry.Amount,
		valueAmount,
		entry.Description,
		string(entry.Status),
		entry.TransactionHash,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) && entry.TransactionHash != "" {
			existing, lookupErr := s.getBySettlementLocked(ctx, entry.TransactionHash, entry.WalletAddress)
			if lookupErr != nil {
				return market.LedgerEntry{}, false, lookupErr
			}
			return *existing, false, nil
		}
		return market.LedgerEntry{}, false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return entry, true, nil
}

// GetBySettlement returns the entry for (hash, wallet).
func (s *Store) GetBySettlement(ctx context.Context, hash, wallet string) (*market.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBySettlementLocked(ctx, hash, wallet)
}

func (s *Store) getBySettlementLocked(ctx context.Context, hash, wallet string) (*market.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+ledgerColumns+` FROM ledger_entries
		WHERE transaction_hash = ? AND wallet_address = ?`,
		hash, wallet)
	entry, err := scanEntryFrom(row)
	if err == sql.ErrNoRows {
		return nil, market.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListByWallet returns a wallet's entries, newest first.
func (s *Store) ListByWallet(ctx context.Context, wallet string) ([]market.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + ledgerColumns + ` FROM ledger_entries
		WHERE wallet_address = ? ORDER BY timestamp DESC, rowid DESC`
	return s.queryEntries(ctx, query, wallet)
}

// ListAll returns every entry, newest first.
func (s *Store) ListAll(ctx context.Context) ([]market.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + ledgerColumns + ` FROM ledger_entries
		ORDER BY timestamp DESC, rowid DESC`
	return s.queryEntries(ctx, query)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]market.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []market.LedgerEntry
	for rows.Next() {
		entry, err := scanEntryFrom(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanEntryFrom(r rowScanner) (*market.LedgerEntry, error) {
	var (
		entry       market.LedgerEntry
		direction   string
		valueAmount sql.NullString
		description sql.NullString
		status      string
		timestamp   string
	)

	err := r.Scan(
		&entry.ID, &entry.OwnerID, &entry.WalletAddress, &direction,
		&entry.Amount, &valueAmount, &description, &status,
		&entry.TransactionHash, &timestamp,
	)
	if err != nil {
		return nil, err
	}

	entry.Direction = market.Direction(direction)
	entry.Status = market.EntryStatus(status)
	entry.Description = description.String
	entry.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	if valueAmount.Valid {
		v, err := decimal.NewFromString(valueAmount.String)
		if err == nil {
			entry.ValueAmount = &v
		}
	}
	return &entry, nil
}

// =============================================================================
// SETTLEMENT INTENTS
// =============================================================================

// RecordIntent persists the intent for a confirmed transfer. The first
// write per hash wins; a replay is a no-op.
func (s *Store) RecordIntent(ctx context.Context, intent market.SettlementIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO settlement_intents
			(hash, buyer_id, buyer_wallet, requested_amount, unit_price, total_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		intent.Hash,
		intent.BuyerID,
		intent.BuyerWallet,
		intent.RequestedAmount,
		intent.UnitPrice.String(),
		intent.TotalValue.String(),
		intent.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record settlement intent: %w", err)
	}
	return nil
}

// GetIntent returns the intent recorded for hash, or ErrNotFound.
func (s *Store) GetIntent(ctx context.Context, hash string) (*market.SettlementIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		intent    market.SettlementIntent
		unitPrice string
		total     string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, buyer_id, buyer_wallet, requested_amount, unit_price, total_value, created_at
		FROM settlement_intents WHERE hash = ?`, hash).Scan(
		&intent.Hash, &intent.BuyerID, &intent.BuyerWallet,
		&intent.RequestedAmount, &unitPrice, &total, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, market.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	intent.UnitPrice = market.MustParsePrice(unitPrice)
	intent.TotalValue = market.MustParsePrice(total)
	intent.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &intent, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
