// Package mt940 implements the SWIFT MT940 statement format as one shared
// tag state machine parameterized by a per-bank DialectConfig.
package mt940

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/parser"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

// Parser is one MT940 dialect. All dialects share this implementation;
// the DialectConfig supplies the parts that differ between banks.
type Parser struct {
	cfg *DialectConfig
}

// NewParser creates a parser for the given dialect.
func NewParser(cfg *DialectConfig) *Parser {
	return &Parser{cfg: cfg}
}

// Name returns the dialect identifier.
func (p *Parser) Name() string {
	return p.cfg.Name
}

// tagLine matches a tag line like ":61:..." or ":28C:...".
var tagLine = regexp.MustCompile(`^:(\d{2}[A-Z]?):(.*)$`)

// CanParse probes the header for the dialect signature: the dialect header
// marker when one is configured, and tagged MT940 structure otherwise.
func (p *Parser) CanParse(filename string, header []byte) bool {
	text := string(header)
	if p.cfg.Header != nil {
		return matchesFirstLine(text, p.cfg.Header, p.cfg.Ignore)
	}
	return strings.Contains(text, ":20:") && (strings.Contains(text, ":60F:") || strings.Contains(text, ":61:"))
}

// matchesFirstLine reports whether the first non-empty, non-ignored line
// matches re. Dialect header markers may themselves be ignore lines, so
// they are tested before the ignore filter.
func matchesFirstLine(text string, re, ignore *regexp.Regexp) bool {
	for _, line := range splitLines(text) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if re.MatchString(line) {
			return true
		}
		if ignore != nil && ignore.MatchString(line) {
			continue
		}
		return false
	}
	return false
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

// tagRecord groups a tag line with its continuation lines.
type tagRecord struct {
	tag   string
	lines []string
	line  int // 1-based source line of the tag
}

// Parse runs the tag state machine over the input.
func (p *Parser) Parse(ctx context.Context, data []byte, meta parser.Metadata) (*statement.ParseResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	records, err := p.groupTags(splitLines(string(data)))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, parser.FormatMismatch(p.cfg.Name, "no MT940 tags found")
	}

	st := &fileState{cfg: p.cfg}
	for _, rec := range records {
		if err := st.apply(rec); err != nil {
			return nil, err
		}
	}
	return st.finish()
}

// groupTags collapses the line sequence into tag records, attaching
// continuation lines (no :NN: prefix) to the open tag. Non-tag content
// before the first tag means the bytes are not this dialect.
func (p *Parser) groupTags(lines []string) ([]tagRecord, error) {
	var records []tagRecord
	headerSeen := p.cfg.Header == nil
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !headerSeen && p.cfg.Header.MatchString(line) {
			headerSeen = true
		}
		if p.cfg.Ignore != nil && p.cfg.Ignore.MatchString(line) {
			continue
		}
		if m := tagLine.FindStringSubmatch(line); m != nil {
			records = append(records, tagRecord{tag: m[1], lines: []string{m[2]}, line: i + 1})
			continue
		}
		if len(records) == 0 {
			return nil, parser.FormatMismatch(p.cfg.Name, fmt.Sprintf("line %d is not a tag line", i+1))
		}
		last := &records[len(records)-1]
		last.lines = append(last.lines, line)
	}
	if p.cfg.Header != nil && !headerSeen {
		return nil, parser.FormatMismatch(p.cfg.Name, "dialect header marker not found")
	}
	return records, nil
}

// fileState is the explicit parser context threaded through tag handling:
// the statement being built, the pending transaction, and the accumulated
// result. Tag handlers mutate only this struct.
type fileState struct {
	cfg *DialectConfig

	result     statement.ParseResult
	current    *statement.Statement
	stmtNumber string
	tx         *statement.Transaction
}

func (s *fileState) apply(rec tagRecord) error {
	switch rec.tag {
	case "20":
		s.flushStatement()
		s.current = &statement.Statement{Name: strings.TrimSpace(rec.lines[0])}
	case "25":
		return s.handleAccount(rec)
	case "28", "28C":
		s.stmtNumber = strings.TrimSpace(rec.lines[0])
	case "60F", "60M":
		return s.handleOpeningBalance(rec)
	case "61":
		return s.handleTransaction(rec)
	case "86":
		s.handleDetails(rec)
	case "62F", "62M":
		return s.handleClosingBalance(rec)
	case "64", "65", "34F", "NS", "13D", "21":
		// Available balances, floor limits and references not used for
		// statement assembly.
	default:
		// Unknown tags are tolerated; the MT940 envelope varies by bank.
	}
	return nil
}

func (s *fileState) ensureStatement() *statement.Statement {
	if s.current == nil {
		s.current = &statement.Statement{}
	}
	return s.current
}

func (s *fileState) handleAccount(rec tagRecord) error {
	st := s.ensureStatement()
	value := strings.TrimSpace(rec.lines[0])
	// :25: may carry "ACCOUNT CURRENCY" or "ACCOUNT/CURRENCY".
	account := value
	if idx := strings.IndexAny(value, " /"); idx > 0 {
		rest := strings.TrimSpace(value[idx+1:])
		if len(rest) == 3 && rest == strings.ToUpper(rest) {
			account = value[:idx]
			if st.CurrencyCode == "" {
				st.CurrencyCode = rest
			}
		}
	}
	st.AccountNumber = account
	if s.result.AccountNumber == "" {
		s.result.AccountNumber = account
	}
	return nil
}

var balanceLine = regexp.MustCompile(`^(?P<sign>[CD])(?P<date>\d{6})(?P<currency>[A-Z]{3})(?P<amount>\d{1,15}(?:,\d{0,2})?)\s*$`)

func (s *fileState) handleOpeningBalance(rec tagRecord) error {
	st := s.ensureStatement()
	if rec.tag == "60M" && st.HasBalanceStart {
		// Intermediate opening balance on a continuation page; the
		// statement opening balance was already set by :60F:.
		return nil
	}
	sign, date, currency, amount, err := parseBalance(rec.lines[0])
	if err != nil {
		return s.malformed(rec, err)
	}
	st.BalanceStart = amount
	st.HasBalanceStart = true
	if st.CurrencyCode == "" {
		st.CurrencyCode = currency
	}
	if st.Date.IsZero() {
		st.Date = date
	}
	_ = sign
	return nil
}

func (s *fileState) handleClosingBalance(rec tagRecord) error {
	st := s.ensureStatement()
	_, date, currency, amount, err := parseBalance(rec.lines[0])
	if err != nil {
		return s.malformed(rec, err)
	}
	s.flushTransaction()
	st.BalanceEndReal = amount
	st.HasBalanceEnd = true
	st.Date = date
	if st.CurrencyCode == "" {
		st.CurrencyCode = currency
	}
	return nil
}

// parseBalance decodes a :60F:/:62F: value: sign, YYMMDD date, currency
// and comma-decimal amount. Debit balances are negative.
func parseBalance(value string) (string, time.Time, string, decimal.Decimal, error) {
	m := balanceLine.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("unparsable balance %q", value)
	}
	groups := namedGroups(balanceLine, m)
	date, err := time.Parse("060102", groups["date"])
	if err != nil {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("invalid balance date %q: %w", groups["date"], err)
	}
	amount, err := ParseAmount(groups["sign"], groups["amount"])
	if err != nil {
		return "", time.Time{}, "", decimal.Zero, err
	}
	return groups["sign"], date, groups["currency"], amount, nil
}

func (s *fileState) handleTransaction(rec tagRecord) error {
	s.flushTransaction()
	s.ensureStatement()

	m := s.cfg.Tag61.FindStringSubmatch(rec.lines[0])
	if m == nil {
		return s.malformed(rec, fmt.Errorf("unparsable :61: %q", rec.lines[0]))
	}
	groups := namedGroups(s.cfg.Tag61, m)

	date, err := time.Parse("060102", groups["date"])
	if err != nil {
		return s.malformed(rec, fmt.Errorf("invalid transaction date %q: %w", groups["date"], err))
	}
	amount, err := ParseAmount(groups["sign"], groups["amount"])
	if err != nil {
		return s.malformed(rec, err)
	}

	tx := &statement.Transaction{
		Date:       date,
		Amount:     amount,
		RawPayload: ":61:" + strings.Join(rec.lines, "\n"),
	}
	if ref := strings.TrimSpace(groups["reference"]); ref != "" && !strings.EqualFold(ref, "NONREF") {
		tx.PaymentReference = ref
	}

	// Continuation lines of :61: carry the counterparty account (and
	// sometimes owner) in several dialects.
	if s.cfg.Tag61Extra != nil {
		for _, extra := range rec.lines[1:] {
			em := s.cfg.Tag61Extra.FindStringSubmatch(strings.TrimSpace(extra))
			if em == nil {
				continue
			}
			eg := namedGroups(s.cfg.Tag61Extra, em)
			if eg["account"] != "" && tx.CounterpartyAccount == "" {
				tx.CounterpartyAccount = eg["account"]
			}
			if eg["name"] != "" && tx.CounterpartyName == "" {
				tx.CounterpartyName = strings.TrimSpace(eg["name"])
			}
		}
	}

	s.tx = tx
	return nil
}

func (s *fileState) handleDetails(rec tagRecord) {
	text := strings.Join(rec.lines, "\n")
	if s.tx == nil {
		// :86: before any :61: is statement-level info (account owner,
		// bank notices); not needed for assembly.
		return
	}
	s.tx.RawPayload += "\n:86:" + text
	applySubfields(s.tx, parseSubfields(text, s.cfg))
}

func (s *fileState) flushTransaction() {
	if s.tx == nil {
		return
	}
	st := s.ensureStatement()
	st.Transactions = append(st.Transactions, *s.tx)
	s.tx = nil
}

func (s *fileState) flushStatement() {
	s.flushTransaction()
	if s.current == nil {
		return
	}
	st := *s.current
	if s.stmtNumber != "" {
		if st.Name != "" {
			st.Name = st.Name + "/" + s.stmtNumber
		} else {
			st.Name = s.stmtNumber
		}
	}
	if st.AccountNumber == "" {
		st.AccountNumber = s.result.AccountNumber
	}
	s.result.Statements = append(s.result.Statements, st)
	s.current = nil
	s.stmtNumber = ""
}

func (s *fileState) finish() (*statement.ParseResult, error) {
	s.flushStatement()
	if len(s.result.Statements) == 0 {
		return nil, parser.FormatMismatch(s.cfg.Name, "no statements found")
	}
	for _, st := range s.result.Statements {
		if s.result.CurrencyCode == "" {
			s.result.CurrencyCode = st.CurrencyCode
		}
		if s.result.AccountNumber == "" {
			s.result.AccountNumber = st.AccountNumber
		}
	}
	res := s.result
	return &res, nil
}

// ParseAmount converts an MT940 sign indicator and comma-decimal value
// into a signed decimal: C (credit) positive, D (debit) negative. The R
// prefix marks a reversal, which flips the side: RC reverses a credit
// (negative), RD reverses a debit (positive).
func ParseAmount(sign, value string) (decimal.Decimal, error) {
	normalized := strings.ReplaceAll(value, ".", "")
	normalized = strings.ReplaceAll(normalized, ",", ".")
	amount, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	switch sign {
	case "C", "RD":
		return amount, nil
	case "D", "RC":
		return amount.Neg(), nil
	default:
		return decimal.Zero, fmt.Errorf("invalid debit/credit sign %q", sign)
	}
}

// namedGroups maps a regexp's named capture groups to their submatches.
func namedGroups(re *regexp.Regexp, match []string) map[string]string {
	groups := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(match) {
			groups[name] = match[i]
		}
	}
	return groups
}

// malformed adapts a tag-level failure into the shared error taxonomy.
func (s *fileState) malformed(rec tagRecord, err error) error {
	return &parser.MalformedRecordError{
		Format: s.cfg.Name,
		Line:   rec.line,
		Detail: err.Error(),
		Err:    err,
	}
}
