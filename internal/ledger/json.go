package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

// Document is the JSON shape the export poster writes. Amounts are
// strings so no reader rounds them through floats.
type Document struct {
	Version    int                 `json:"version"`
	Journals   map[string]*Journal `json:"journals"`
	ExportedAt time.Time           `json:"exportedAt"`
}

// Journal groups exported statements per journal.
type Journal struct {
	Statements []ExportedStatement `json:"statements"`
}

// ExportedStatement is one statement in the export document.
type ExportedStatement struct {
	Name          string                `json:"name"`
	Date          string                `json:"date"`
	AccountNumber string                `json:"accountNumber,omitempty"`
	CurrencyCode  string                `json:"currencyCode,omitempty"`
	BalanceStart  *string               `json:"balanceStart,omitempty"`
	BalanceEnd    *string               `json:"balanceEnd,omitempty"`
	Transactions  []ExportedTransaction `json:"transactions"`
}

// ExportedTransaction is one transaction in the export document.
type ExportedTransaction struct {
	Date                string `json:"date"`
	Amount              string `json:"amount"`
	OriginalAmount      string `json:"originalAmount,omitempty"`
	OriginalCurrency    string `json:"originalCurrency,omitempty"`
	PaymentReference    string `json:"paymentReference"`
	CounterpartyName    string `json:"counterpartyName,omitempty"`
	CounterpartyAccount string `json:"counterpartyAccount,omitempty"`
	Note                string `json:"note,omitempty"`
	UniqueImportID      string `json:"uniqueImportId"`
}

// documentVersion is the current export format version.
const documentVersion = 1

// JSONPoster books statements by appending them to a JSON export file.
// An empty path writes to stdout. With Merge set, an existing file is
// loaded first and new statements are appended to it.
type JSONPoster struct {
	path  string
	merge bool
	now   func() time.Time
}

// NewJSONPoster creates a poster writing to path, or stdout when path
// is empty.
func NewJSONPoster(path string, merge bool) *JSONPoster {
	return &JSONPoster{path: path, merge: merge, now: time.Now}
}

// Post implements Poster.
func (p *JSONPoster) Post(ctx context.Context, journalID string, statements []statement.Statement) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	doc := &Document{Version: documentVersion, Journals: make(map[string]*Journal)}
	if p.merge && p.path != "" {
		existing, err := loadDocument(p.path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("loading existing export for merge: %w", err)
			}
		} else {
			doc = existing
		}
	}

	journal := doc.Journals[journalID]
	if journal == nil {
		journal = &Journal{}
		doc.Journals[journalID] = journal
	}

	names := make([]string, 0, len(statements))
	for _, st := range statements {
		journal.Statements = append(journal.Statements, exportStatement(st))
		names = append(names, st.Name)
	}
	doc.ExportedAt = p.now().UTC()

	if p.path == "" {
		if err := writeDocument(doc, os.Stdout); err != nil {
			return nil, err
		}
		return names, nil
	}
	if err := p.writeFile(doc); err != nil {
		return nil, err
	}
	return names, nil
}

// writeFile writes the document atomically: temp file, then rename.
func (p *JSONPoster) writeFile(doc *Document) error {
	tmp := p.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating export file %s: %w", tmp, err)
	}
	if err := writeDocument(doc, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing export file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming export file into place: %w", err)
	}
	return nil
}

func writeDocument(doc *Document, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("encoding export document: %w", err)
	}
	return nil
}

func loadDocument(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err // preserve os.IsNotExist for the caller
	}
	defer f.Close()

	var doc Document
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding export document %s: %w", path, err)
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("unsupported export document version %d", doc.Version)
	}
	if doc.Journals == nil {
		doc.Journals = make(map[string]*Journal)
	}
	return &doc, nil
}

func exportStatement(st statement.Statement) ExportedStatement {
	out := ExportedStatement{
		Name:          st.Name,
		Date:          st.Date.Format("2006-01-02"),
		AccountNumber: st.AccountNumber,
		CurrencyCode:  st.CurrencyCode,
		Transactions:  make([]ExportedTransaction, 0, len(st.Transactions)),
	}
	if st.HasBalanceStart {
		out.BalanceStart = amountString(st.BalanceStart)
	}
	if st.HasBalanceEnd {
		out.BalanceEnd = amountString(st.BalanceEndReal)
	}
	for _, tx := range st.Transactions {
		etx := ExportedTransaction{
			Date:                tx.Date.Format("2006-01-02"),
			Amount:              tx.Amount.StringFixed(2),
			PaymentReference:    tx.PaymentReference,
			CounterpartyName:    tx.CounterpartyName,
			CounterpartyAccount: tx.CounterpartyAccount,
			Note:                tx.Note,
			UniqueImportID:      tx.UniqueImportID,
		}
		if tx.OriginalCurrency != "" {
			etx.OriginalAmount = tx.OriginalAmount.StringFixed(2)
			etx.OriginalCurrency = tx.OriginalCurrency
		}
		out.Transactions = append(out.Transactions, etx)
	}
	return out
}

func amountString(d decimal.Decimal) *string {
	s := d.StringFixed(2)
	return &s
}
