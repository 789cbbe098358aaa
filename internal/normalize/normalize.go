// Package normalize brings parser output onto a common footing before
// assembly: payment reference resolution, account sanitization, and
// deterministic import ids for transactions the source left unkeyed.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

// Normalize rewrites every statement in the result in place. Idempotent:
// running it twice yields the same output.
func Normalize(result *statement.ParseResult) {
	result.AccountNumber = statement.SanitizeAccount(result.AccountNumber)
	for i := range result.Statements {
		normalizeStatement(&result.Statements[i])
		if result.Statements[i].AccountNumber == "" {
			result.Statements[i].AccountNumber = result.AccountNumber
		}
	}
}

func normalizeStatement(st *statement.Statement) {
	st.AccountNumber = statement.SanitizeAccount(st.AccountNumber)
	st.CurrencyCode = strings.ToUpper(strings.TrimSpace(st.CurrencyCode))

	// Collisions within one statement get a positional suffix so the
	// import id stays unique without losing determinism.
	seen := make(map[string]int, len(st.Transactions))
	for i := range st.Transactions {
		tx := &st.Transactions[i]
		normalizeTransaction(tx)
		if tx.UniqueImportID == "" {
			tx.UniqueImportID = Fingerprint(tx.Date.Format("2006-01-02"), tx.Amount, tx.PaymentReference)
		}
		if n := seen[tx.UniqueImportID]; n > 0 {
			seen[tx.UniqueImportID] = n + 1
			tx.UniqueImportID = fmt.Sprintf("%s-%d", tx.UniqueImportID, n+1)
		} else {
			seen[tx.UniqueImportID] = 1
		}
	}
}

func normalizeTransaction(tx *statement.Transaction) {
	tx.PaymentReference = ResolveReference(tx.PaymentReference, tx.Note)
	tx.CounterpartyName = collapseWhitespace(tx.CounterpartyName)
	tx.CounterpartyAccount = statement.SanitizeAccount(tx.CounterpartyAccount)
	tx.Note = strings.TrimSpace(tx.Note)
	tx.OriginalCurrency = strings.ToUpper(strings.TrimSpace(tx.OriginalCurrency))
	if tx.OriginalCurrency == "" {
		tx.OriginalAmount = decimal.Zero
	}
}

// ResolveReference picks the payment reference for a transaction: the
// structured reference when present, otherwise the free-form note with
// runs of whitespace collapsed, otherwise the "/" placeholder that marks
// an intentionally empty reference.
func ResolveReference(reference, note string) string {
	if r := collapseWhitespace(reference); r != "" && r != statement.PlaceholderReference {
		return r
	}
	if n := collapseWhitespace(note); n != "" {
		return n
	}
	return statement.PlaceholderReference
}

// Fingerprint derives a deterministic import id from the booking date,
// the amount at two decimals, and the normalized reference.
// Format: SHA256("{date}|{amount}|{reference}")
func Fingerprint(date string, amount decimal.Decimal, reference string) string {
	normalized := strings.ToLower(strings.TrimSpace(reference))
	input := fmt.Sprintf("%s|%s|%s", date, amount.StringFixed(2), normalized)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
