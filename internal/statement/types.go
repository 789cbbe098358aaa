// Package statement defines the normalized statement model that every
// format parser produces and the downstream pipeline consumes.
package statement

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// PlaceholderReference marks an intentionally empty payment reference.
const PlaceholderReference = "/"

// Transaction is one booked movement on an account. Amount is signed:
// credits positive, debits negative.
type Transaction struct {
	Date   time.Time
	Amount decimal.Decimal

	// OriginalAmount and OriginalCurrency carry the instructed amount
	// when the booking currency differs from it. Both are zero values
	// for same-currency bookings.
	OriginalAmount   decimal.Decimal
	OriginalCurrency string

	PaymentReference    string
	CounterpartyName    string
	CounterpartyAccount string
	Note                string

	// UniqueImportID keys deduplication. Parsers fill it from a source
	// identifier when one exists; the normalizer synthesizes it
	// otherwise.
	UniqueImportID string

	// RawPayload preserves the source record for diagnostics.
	RawPayload string
}

// Statement is one bank statement: an ordered run of transactions with
// optional declared balances.
type Statement struct {
	Name string
	Date time.Time

	BalanceStart    decimal.Decimal
	BalanceEndReal  decimal.Decimal
	HasBalanceStart bool
	HasBalanceEnd   bool

	CurrencyCode  string
	AccountNumber string
	Transactions  []Transaction
}

// TransactionTotal sums the signed amounts.
func (s *Statement) TransactionTotal() decimal.Decimal {
	total := decimal.Zero
	for _, tx := range s.Transactions {
		total = total.Add(tx.Amount)
	}
	return total
}

// ComputedBalanceEnd is the opening balance plus the transaction total.
func (s *Statement) ComputedBalanceEnd() decimal.Decimal {
	return s.BalanceStart.Add(s.TransactionTotal())
}

// TransactionCount returns the number of transactions.
func (s *Statement) TransactionCount() int {
	return len(s.Transactions)
}

// ParseResult is the output of one parser run over one payload. File
// level account and currency apply to statements that did not declare
// their own.
type ParseResult struct {
	CurrencyCode  string
	AccountNumber string
	Statements    []Statement
}

// SanitizeAccount uppercases an account identifier and strips everything
// that is not a letter or digit, so "NL02 ABNA 0123 4567 89" and
// "nl02abna0123456789" compare equal.
func SanitizeAccount(account string) string {
	var b strings.Builder
	b.Grow(len(account))
	for _, r := range account {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// SplitMode selects how assembled statements are partitioned into
// periods.
type SplitMode string

const (
	SplitNone    SplitMode = ""
	SplitDaily   SplitMode = "day"
	SplitWeekly  SplitMode = "week"
	SplitMonthly SplitMode = "month"
)

// ParseSplitMode parses a user-supplied split mode name.
func ParseSplitMode(s string) (SplitMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SplitNone, nil
	case "day", "daily":
		return SplitDaily, nil
	case "week", "weekly":
		return SplitWeekly, nil
	case "month", "monthly":
		return SplitMonthly, nil
	default:
		return SplitNone, fmt.Errorf("unknown split mode %q (valid: none, day, week, month)", s)
	}
}

// PeriodLabel names the period a date falls in: "2006-01-02" for days,
// "2006-W02" ISO weeks, "2006-01" for months.
func PeriodLabel(mode SplitMode, date time.Time) string {
	switch mode {
	case SplitDaily:
		return date.Format("2006-01-02")
	case SplitWeekly:
		year, week := date.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case SplitMonthly:
		return date.Format("2006-01")
	default:
		return ""
	}
}

// PeriodStart returns the first day of the period containing date.
// Weeks start on Monday.
func PeriodStart(mode SplitMode, date time.Time) time.Time {
	d := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	switch mode {
	case SplitDaily:
		return d
	case SplitWeekly:
		offset := (int(d.Weekday()) + 6) % 7
		return d.AddDate(0, 0, -offset)
	case SplitMonthly:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, d.Location())
	default:
		return d
	}
}
