// Package sheet implements a configuration-driven parser for tabular
// statement exports: CSV with a column mapping profile, plus legacy
// binary .xls workbooks decoded into the same row shape.
package sheet

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/extrame/xls"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/parser"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

// ole2Magic is the compound-document signature of legacy .xls files.
var ole2Magic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// Parser parses tabular exports according to one Mapping profile. The
// mapping is set at construction and never mutated, so a Parser value is
// safe for concurrent use.
type Parser struct {
	mapping *Mapping
}

// NewParser creates a sheet parser for the given mapping profile.
func NewParser(mapping *Mapping) (*Parser, error) {
	if mapping == nil {
		return nil, fmt.Errorf("mapping cannot be nil")
	}
	if err := mapping.Validate(); err != nil {
		return nil, err
	}
	return &Parser{mapping: mapping}, nil
}

// Name returns the parser identifier, qualified by the profile name.
func (p *Parser) Name() string {
	return "sheet-" + p.mapping.Name
}

// CanParse accepts tabular extensions and .xls magic. Content-level
// validation (required headers present) happens in Parse so a mismatch
// still falls through the chain cleanly.
func (p *Parser) CanParse(filename string, header []byte) bool {
	if bytes.HasPrefix(header, ole2Magic) {
		return true
	}
	if filename != "" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".csv", ".txt", ".xls":
			return true
		default:
			return false
		}
	}
	// In-memory payloads: cheap plausibility probe for delimited text.
	return !bytes.ContainsRune(header, 0x00)
}

// Parse decodes the rows and maps them through the profile.
func (p *Parser) Parse(ctx context.Context, data []byte, meta parser.Metadata) (*statement.ParseResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	rows, err := p.readRows(data, meta)
	if err != nil {
		return nil, err
	}
	if p.mapping.SkipRows > 0 {
		if len(rows) <= p.mapping.SkipRows {
			return nil, parser.FormatMismatch(p.Name(), "fewer rows than skip_rows")
		}
		rows = rows[p.mapping.SkipRows:]
	}
	if len(rows) == 0 {
		return nil, parser.FormatMismatch(p.Name(), "sheet is empty")
	}

	cols, dataRows, err := p.resolveColumns(rows)
	if err != nil {
		return nil, err
	}

	st := statement.Statement{
		Name:          p.mapping.StatementName,
		AccountNumber: p.mapping.AccountNumber,
		CurrencyCode:  p.mapping.CurrencyCode,
	}

	for i, row := range dataRows {
		if rowEmpty(row) {
			continue
		}
		tx, err := p.convertRow(row, cols, i)
		if err != nil {
			return nil, err
		}
		if tx == nil {
			continue // zero-amount row skipped by profile policy
		}
		if st.AccountNumber == "" && cols.account >= 0 {
			st.AccountNumber = cell(row, cols.account)
		}
		if st.CurrencyCode == "" && cols.currency >= 0 {
			st.CurrencyCode = cell(row, cols.currency)
		}
		st.Transactions = append(st.Transactions, *tx)
	}

	if len(st.Transactions) == 0 {
		return nil, parser.FormatMismatch(p.Name(), "no data rows matched the mapping")
	}
	st.Date = st.Transactions[0].Date
	if st.Name == "" {
		st.Name = fmt.Sprintf("%s/%s", p.mapping.Name, st.Date.Format("2006-01-02"))
	}

	return &statement.ParseResult{
		CurrencyCode:  st.CurrencyCode,
		AccountNumber: st.AccountNumber,
		Statements:    []statement.Statement{st},
	}, nil
}

// readRows turns the raw bytes into rows: an .xls workbook or delimited
// text in the profile's encoding.
func (p *Parser) readRows(data []byte, meta parser.Metadata) ([][]string, error) {
	if bytes.HasPrefix(data, ole2Magic) ||
		strings.EqualFold(filepath.Ext(meta.Filename()), ".xls") {
		return p.readXLS(data)
	}

	decoded, err := p.decodeText(data)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(strings.NewReader(decoded))
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	if p.mapping.Delimiter != "" {
		r.Comma = rune(p.mapping.Delimiter[0])
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, parser.FormatMismatch(p.Name(), fmt.Sprintf("not delimited text: %v", err))
	}
	return rows, nil
}

// utf8BOM is the byte order mark some exporters prepend; it would
// otherwise glue itself onto the first header cell.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (p *Parser) decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	switch strings.ToLower(p.mapping.Encoding) {
	case "", "utf-8", "utf8":
		return string(data), nil
	case "latin-1", "latin1", "iso-8859-1":
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return "", fmt.Errorf("decoding latin-1 content: %w", err)
		}
		return string(out), nil
	case "windows-1252", "cp1252":
		out, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return "", fmt.Errorf("decoding windows-1252 content: %w", err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", p.mapping.Encoding)
	}
}

func (p *Parser) readXLS(data []byte) ([][]string, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, parser.FormatMismatch(p.Name(), fmt.Sprintf("not an xls workbook: %v", err))
	}
	if wb.NumSheets() == 0 {
		return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: "workbook has no sheets"}
	}
	ws := wb.GetSheet(0)
	if ws == nil {
		return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: "workbook first sheet is unreadable"}
	}

	var rows [][]string
	for i := 0; i <= int(ws.MaxRow); i++ {
		row := ws.Row(i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, row.LastCol())
		for c := 0; c < row.LastCol(); c++ {
			cells[c] = row.Col(c)
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// columnIndexes holds the resolved zero-based index of every bound
// column; -1 means unbound.
type columnIndexes struct {
	date, amount, debit, credit, indicator       int
	reference, partnerName, partnerAccount, note int
	importID, account, currency                  int
}

func (p *Parser) resolveColumns(rows [][]string) (*columnIndexes, [][]string, error) {
	var header map[string]int
	dataRows := rows
	if !p.mapping.NoHeader {
		header = make(map[string]int, len(rows[0]))
		for i, h := range rows[0] {
			header[strings.ToLower(strings.TrimSpace(h))] = i
		}
		dataRows = rows[1:]
	}

	cols := &columnIndexes{}
	for _, binding := range []struct {
		col      *Column
		out      *int
		required bool
		name     string
	}{
		{&p.mapping.DateColumn, &cols.date, true, "date"},
		{&p.mapping.AmountColumn, &cols.amount, p.mapping.amountMode() != AmountDebitCredit, "amount"},
		{&p.mapping.DebitColumn, &cols.debit, p.mapping.amountMode() == AmountDebitCredit, "debit"},
		{&p.mapping.CreditColumn, &cols.credit, p.mapping.amountMode() == AmountDebitCredit, "credit"},
		{&p.mapping.IndicatorColumn, &cols.indicator, p.mapping.amountMode() == AmountIndicator, "indicator"},
		{&p.mapping.ReferenceColumn, &cols.reference, false, "reference"},
		{&p.mapping.PartnerNameColumn, &cols.partnerName, false, "partner name"},
		{&p.mapping.PartnerAccountColumn, &cols.partnerAccount, false, "partner account"},
		{&p.mapping.NoteColumn, &cols.note, false, "note"},
		{&p.mapping.ImportIDColumn, &cols.importID, false, "import id"},
		{&p.mapping.AccountColumn, &cols.account, false, "account"},
		{&p.mapping.CurrencyColumn, &cols.currency, false, "currency"},
	} {
		*binding.out = -1
		if !binding.col.Set() {
			continue
		}
		if binding.col.byIdx {
			*binding.out = binding.col.Index
			continue
		}
		if p.mapping.NoHeader {
			return nil, nil, fmt.Errorf("mapping %s: %s column is bound by header name but the profile declares no header row", p.mapping.Name, binding.name)
		}
		idx, ok := header[strings.ToLower(binding.col.Name)]
		if !ok {
			if binding.required {
				return nil, nil, parser.FormatMismatch(p.Name(),
					fmt.Sprintf("required column %q not in header", binding.col.Name))
			}
			continue
		}
		*binding.out = idx
	}
	return cols, dataRows, nil
}

func (p *Parser) convertRow(row []string, cols *columnIndexes, rowIdx int) (*statement.Transaction, error) {
	// Line numbers in errors are 1-based and account for header/skip rows.
	lineNo := rowIdx + 1 + p.mapping.SkipRows
	if !p.mapping.NoHeader {
		lineNo++
	}

	dateStr := cell(row, cols.date)
	date, err := time.Parse(p.mapping.dateLayout(), dateStr)
	if err != nil {
		return nil, &parser.MalformedRecordError{
			Format: p.Name(),
			Line:   lineNo,
			Detail: fmt.Sprintf("unparsable date %q with layout %q", dateStr, p.mapping.dateLayout()),
			Err:    err,
		}
	}

	amount, err := p.rowAmount(row, cols)
	if err != nil {
		return nil, &parser.MalformedRecordError{Format: p.Name(), Line: lineNo, Detail: err.Error(), Err: err}
	}
	if amount.IsZero() && p.mapping.SkipZeroAmounts {
		return nil, nil
	}

	tx := &statement.Transaction{
		Date:                date,
		Amount:              amount,
		PaymentReference:    cell(row, cols.reference),
		CounterpartyName:    cell(row, cols.partnerName),
		CounterpartyAccount: cell(row, cols.partnerAccount),
		Note:                cell(row, cols.note),
		UniqueImportID:      cell(row, cols.importID),
		RawPayload:          strings.Join(row, "|"),
	}
	return tx, nil
}

// rowAmount applies the profile's amount convention to one row.
func (p *Parser) rowAmount(row []string, cols *columnIndexes) (decimal.Decimal, error) {
	switch p.mapping.amountMode() {
	case AmountSigned:
		return p.parseNumber(cell(row, cols.amount))

	case AmountDebitCredit:
		debitStr := cell(row, cols.debit)
		creditStr := cell(row, cols.credit)
		if debitStr != "" && creditStr != "" {
			return decimal.Zero, fmt.Errorf("row has both debit %q and credit %q", debitStr, creditStr)
		}
		if debitStr != "" {
			d, err := p.parseNumber(debitStr)
			if err != nil {
				return decimal.Zero, err
			}
			return d.Abs().Neg(), nil
		}
		if creditStr != "" {
			c, err := p.parseNumber(creditStr)
			if err != nil {
				return decimal.Zero, err
			}
			return c.Abs(), nil
		}
		return decimal.Zero, nil

	case AmountIndicator:
		amount, err := p.parseNumber(cell(row, cols.amount))
		if err != nil {
			return decimal.Zero, err
		}
		marker := strings.TrimSpace(cell(row, cols.indicator))
		switch {
		case containsFold(p.mapping.DebitMarkers, marker):
			return amount.Abs().Neg(), nil
		case containsFold(p.mapping.CreditMarkers, marker):
			return amount.Abs(), nil
		case len(p.mapping.CreditMarkers) == 0:
			// Only debit markers configured: everything else is credit.
			return amount.Abs(), nil
		case len(p.mapping.DebitMarkers) == 0:
			return amount.Abs().Neg(), nil
		default:
			return decimal.Zero, fmt.Errorf("indicator %q matches neither debit nor credit markers", marker)
		}
	}
	return decimal.Zero, fmt.Errorf("unknown amount mode %q", p.mapping.AmountMode)
}

// parseNumber decodes a cell using the profile's separators. Parenthesized
// values are negative, a convention some bank exports use.
func (p *Parser) parseNumber(value string) (decimal.Decimal, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return decimal.Zero, fmt.Errorf("amount cell is empty")
	}
	negative := false
	if strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")") {
		negative = true
		v = v[1 : len(v)-1]
	}
	if p.mapping.ThousandsSeparator != "" {
		v = strings.ReplaceAll(v, p.mapping.ThousandsSeparator, "")
	}
	if sep := p.mapping.DecimalSeparator; sep != "" && sep != "." {
		v = strings.ReplaceAll(v, sep, ".")
	}
	v = strings.ReplaceAll(v, " ", "")
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unparsable amount %q", value)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func rowEmpty(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
