// Package dedup guards imports against double-booking. Every imported
// transaction is recorded in a SQLite database whose unique constraint
// on (journal, import id) is the durable source of truth, so concurrent
// importers and repeated runs converge on one row per transaction.
package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id                   INTEGER PRIMARY KEY,
	journal_id           TEXT NOT NULL,
	unique_import_id     TEXT NOT NULL,
	tx_date              TEXT NOT NULL,
	amount               TEXT NOT NULL,
	reference            TEXT NOT NULL DEFAULT '',
	counterparty_name    TEXT NOT NULL DEFAULT '',
	counterparty_account TEXT NOT NULL DEFAULT '',
	note                 TEXT NOT NULL DEFAULT '',
	posted               INTEGER NOT NULL DEFAULT 0,
	first_seen           TEXT NOT NULL,
	UNIQUE (journal_id, unique_import_id)
);
`

// Outcome classifies what Record did with a transaction.
type Outcome int

const (
	// Inserted means the transaction was new.
	Inserted Outcome = iota
	// Duplicate means an equivalent row already existed and nothing
	// changed.
	Duplicate
	// Merged means a row existed but was missing details this occurrence
	// supplied, typically a booking entry completing an earlier advice.
	Merged
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Merged:
		return "merged"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Store is the durable transaction registry.
type Store struct {
	db *sql.DB
}

// Open opens or creates the registry at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening dedup store %s: %w", path, err)
	}
	// The modernc driver serializes per connection; a single connection
	// also keeps :memory: databases alive across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing dedup schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record registers one transaction under a journal. New transactions are
// inserted. For a transaction already present, unposted rows absorb any
// details the existing row was missing (empty fields and the "/"
// reference placeholder count as missing); posted rows are never touched.
func (s *Store) Record(ctx context.Context, journalID string, tx *statement.Transaction) (Outcome, error) {
	if journalID == "" {
		return Duplicate, fmt.Errorf("journal id cannot be empty")
	}
	if tx.UniqueImportID == "" {
		return Duplicate, fmt.Errorf("transaction has no unique import id")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
			(journal_id, unique_import_id, tx_date, amount, reference,
			 counterparty_name, counterparty_account, note, first_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (journal_id, unique_import_id) DO NOTHING`,
		journalID, tx.UniqueImportID, tx.Date.Format("2006-01-02"),
		tx.Amount.StringFixed(4), tx.PaymentReference,
		tx.CounterpartyName, tx.CounterpartyAccount, tx.Note,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Duplicate, fmt.Errorf("recording transaction %s: %w", tx.UniqueImportID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Duplicate, fmt.Errorf("recording transaction %s: %w", tx.UniqueImportID, err)
	}
	if n > 0 {
		return Inserted, nil
	}
	return s.merge(ctx, journalID, tx)
}

func (s *Store) merge(ctx context.Context, journalID string, tx *statement.Transaction) (Outcome, error) {
	var (
		id        int64
		reference string
		name      string
		account   string
		note      string
		posted    bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, reference, counterparty_name, counterparty_account, note, posted
		FROM transactions WHERE journal_id = ? AND unique_import_id = ?`,
		journalID, tx.UniqueImportID,
	).Scan(&id, &reference, &name, &account, &note, &posted)
	if err != nil {
		return Duplicate, fmt.Errorf("loading existing transaction %s: %w", tx.UniqueImportID, err)
	}
	if posted {
		return Duplicate, nil
	}

	merged := false
	if missingReference(reference) && !missingReference(tx.PaymentReference) {
		reference = tx.PaymentReference
		merged = true
	}
	if name == "" && tx.CounterpartyName != "" {
		name = tx.CounterpartyName
		merged = true
	}
	if account == "" && tx.CounterpartyAccount != "" {
		account = tx.CounterpartyAccount
		merged = true
	}
	if note == "" && tx.Note != "" {
		note = tx.Note
		merged = true
	}
	if !merged {
		return Duplicate, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE transactions
		SET reference = ?, counterparty_name = ?, counterparty_account = ?, note = ?
		WHERE id = ?`,
		reference, name, account, note, id,
	)
	if err != nil {
		return Duplicate, fmt.Errorf("merging transaction %s: %w", tx.UniqueImportID, err)
	}
	return Merged, nil
}

// MarkPosted flags transactions as posted to the ledger, freezing them
// against future merges.
func (s *Store) MarkPosted(ctx context.Context, journalID string, importIDs []string) error {
	for _, id := range importIDs {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE transactions SET posted = 1
			WHERE journal_id = ? AND unique_import_id = ?`,
			journalID, id,
		); err != nil {
			return fmt.Errorf("marking %s posted: %w", id, err)
		}
	}
	return nil
}

// Count returns the number of recorded transactions for a journal.
func (s *Store) Count(ctx context.Context, journalID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE journal_id = ?`, journalID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting journal %s: %w", journalID, err)
	}
	return n, nil
}

func missingReference(r string) bool {
	return r == "" || r == statement.PlaceholderReference
}
