// Package qif implements the Quicken Interchange Format: line-prefix
// records where the first character selects a field and "^" ends a record.
package qif

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/parser"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

// Parser handles QIF bank and credit card registers. Stateless; safe for
// concurrent use.
type Parser struct{}

var parserInstance = &Parser{}

// NewParser returns the shared QIF parser instance.
func NewParser() *Parser {
	return parserInstance
}

// Name returns the parser identifier.
func (p *Parser) Name() string {
	return "qif"
}

// CanParse probes for the !Type: header.
func (p *Parser) CanParse(filename string, header []byte) bool {
	return strings.Contains(string(header), "!Type:")
}

// supported register types; investment registers have a different record
// grammar and are rejected as malformed rather than silently misread.
var bankTypes = map[string]bool{
	"Bank": true, "Cash": true, "CCard": true, "Oth A": true, "Oth L": true,
}

// Parse scans line-prefixed records, accumulating a working transaction
// and flushing it at each "^" end-of-record marker.
func (p *Parser) Parse(ctx context.Context, data []byte, meta parser.Metadata) (*statement.ParseResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))

	var (
		typeSeen bool
		current  *statement.Transaction
		raw      []string
		txs      []statement.Transaction
		lineNo   int
	)

	flush := func() error {
		if current == nil {
			return nil
		}
		if current.Date.IsZero() {
			return &parser.MalformedRecordError{Format: p.Name(), Line: lineNo, Detail: "record has no date"}
		}
		current.RawPayload = strings.Join(raw, "\n")
		txs = append(txs, *current)
		current = nil
		raw = nil
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if strings.HasPrefix(line, "!Type:") {
			qifType := strings.TrimSpace(strings.TrimPrefix(line, "!Type:"))
			if !bankTypes[qifType] {
				return nil, &parser.MalformedRecordError{
					Format: p.Name(),
					Line:   lineNo,
					Detail: fmt.Sprintf("unsupported register type %q", qifType),
				}
			}
			typeSeen = true
			continue
		}
		if strings.HasPrefix(line, "!") {
			// Other bang directives (!Option, !Account) are ignored.
			continue
		}
		if !typeSeen {
			return nil, parser.FormatMismatch(p.Name(), "content before any !Type: header")
		}

		if line == "^" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}

		if current == nil {
			current = &statement.Transaction{}
		}
		raw = append(raw, line)

		code, value := line[:1], strings.TrimSpace(line[1:])
		switch code {
		case "D":
			date, err := parseQIFDate(value)
			if err != nil {
				return nil, &parser.MalformedRecordError{Format: p.Name(), Line: lineNo, Detail: err.Error(), Err: err}
			}
			current.Date = date
		case "T", "U":
			amount, err := parseQIFAmount(value)
			if err != nil {
				return nil, &parser.MalformedRecordError{Format: p.Name(), Line: lineNo, Detail: err.Error(), Err: err}
			}
			current.Amount = amount
		case "P":
			current.CounterpartyName = value
		case "M":
			current.Note = value
		case "N":
			current.PaymentReference = value
		case "L", "C", "A", "S", "E", "$":
			// Category, cleared flag, address and split details are not
			// part of the statement model.
		default:
			return nil, &parser.MalformedRecordError{
				Format: p.Name(),
				Line:   lineNo,
				Detail: fmt.Sprintf("unknown field code %q", code),
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading QIF content: %w", err)
	}
	if !typeSeen {
		return nil, parser.FormatMismatch(p.Name(), "no !Type: header found")
	}
	// A trailing record without the final "^" still counts.
	if err := flush(); err != nil {
		return nil, err
	}

	if len(txs) == 0 {
		return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: "register contains no records"}
	}

	// QIF carries neither balances nor account identity; the assembler
	// computes balances and the caller resolves the journal.
	st := statement.Statement{
		Name:         "QIF import",
		Date:         txs[0].Date,
		Transactions: txs,
	}
	if meta.Filename() != "" {
		st.Name = meta.Filename()
	}
	return &statement.ParseResult{Statements: []statement.Statement{st}}, nil
}

// qifDateLayouts covers the date renderings seen across QIF exporters,
// including the Quicken 2000+ quirk of writing years as '01.
var qifDateLayouts = []string{
	"1/2/2006", "1/2/06", "01/02/2006", "1/2'2006", "1/2'06",
	"2006-01-02", "02.01.2006",
}

func parseQIFDate(value string) (time.Time, error) {
	value = strings.ReplaceAll(value, " ", "")
	for _, layout := range qifDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable date %q", value)
}

func parseQIFAmount(value string) (decimal.Decimal, error) {
	// Thousands separators are legal in QIF amounts.
	cleaned := strings.ReplaceAll(value, ",", "")
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unparsable amount %q", value)
	}
	return amount, nil
}
