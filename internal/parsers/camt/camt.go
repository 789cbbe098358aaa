// Package camt implements the ISO 20022 CAMT.053 (statement) and CAMT.054
// (debit/credit notification) XML formats.
package camt

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/parser"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

// Parser handles CAMT.053/054 documents. Stateless; safe for concurrent
// use.
type Parser struct{}

var parserInstance = &Parser{}

// NewParser returns the shared CAMT parser instance.
func NewParser() *Parser {
	return parserInstance
}

// Name returns the parser identifier.
func (p *Parser) Name() string {
	return "camt"
}

const namespacePrefix = "urn:iso:std:iso:20022:tech:xsd:camt.05"

// CanParse probes for the CAMT XML namespace in the document head.
func (p *Parser) CanParse(filename string, header []byte) bool {
	return strings.Contains(string(header), namespacePrefix)
}

// Raw document model. Field paths follow the ISO 20022 element names; the
// same entry shape serves both 053 statements and 054 notifications.

type camtDocument struct {
	XMLName      xml.Name        `xml:"Document"`
	Statement    *camtContainer  `xml:"BkToCstmrStmt"`
	Notification *camtNtfctnWrap `xml:"BkToCstmrDbtCdtNtfctn"`
}

type camtContainer struct {
	Statements []camtStatement `xml:"Stmt"`
}

type camtNtfctnWrap struct {
	Notifications []camtStatement `xml:"Ntfctn"`
}

type camtStatement struct {
	ID     string        `xml:"Id"`
	CreDt  string        `xml:"CreDtTm"`
	FrToDt *camtFrToDt   `xml:"FrToDt"`
	Acct   camtAccount   `xml:"Acct"`
	Bal    []camtBalance `xml:"Bal"`
	Ntry   []camtEntry   `xml:"Ntry"`
}

type camtFrToDt struct {
	From string `xml:"FrDtTm"`
	To   string `xml:"ToDtTm"`
}

type camtAccount struct {
	IBAN string `xml:"Id>IBAN"`
	Othr string `xml:"Id>Othr>Id"`
	Ccy  string `xml:"Ccy"`
}

type camtBalance struct {
	Code      string     `xml:"Tp>CdOrPrtry>Cd"`
	Amt       camtAmount `xml:"Amt"`
	CdtDbtInd string     `xml:"CdtDbtInd"`
	Date      string     `xml:"Dt>Dt"`
	DateTime  string     `xml:"Dt>DtTm"`
}

type camtAmount struct {
	Value string `xml:",chardata"`
	Ccy   string `xml:"Ccy,attr"`
}

type camtEntry struct {
	Amt         camtAmount  `xml:"Amt"`
	CdtDbtInd   string      `xml:"CdtDbtInd"`
	Status      string      `xml:"Sts"`
	BookgDt     camtDate    `xml:"BookgDt"`
	ValDt       camtDate    `xml:"ValDt"`
	AcctSvcrRef string      `xml:"AcctSvcrRef"`
	Details     []camtTxDtl `xml:"NtryDtls>TxDtls"`
	Info        string      `xml:"AddtlNtryInf"`
}

type camtDate struct {
	Date     string `xml:"Dt"`
	DateTime string `xml:"DtTm"`
}

type camtTxDtl struct {
	Refs struct {
		EndToEndID  string `xml:"EndToEndId"`
		TxID        string `xml:"TxId"`
		AcctSvcrRef string `xml:"AcctSvcrRef"`
	} `xml:"Refs"`
	Amt       camtAmount `xml:"Amt"`
	CdtDbtInd string     `xml:"CdtDbtInd"`
	AmtDtls   struct {
		Instructed camtAmount `xml:"InstdAmt>Amt"`
	} `xml:"AmtDtls"`
	Parties struct {
		Debtor     camtParty `xml:"Dbtr"`
		Creditor   camtParty `xml:"Cdtr"`
		DebtorAcct camtPAcct `xml:"DbtrAcct"`
		CredAcct   camtPAcct `xml:"CdtrAcct"`
	} `xml:"RltdPties"`
	Remit struct {
		Unstructured []string `xml:"Ustrd"`
		CreditorRef  string   `xml:"Strd>CdtrRefInf>Ref"`
	} `xml:"RmtInf"`
}

type camtParty struct {
	Name string `xml:"Nm"`
	// Newer schema versions nest the party under <Pty>.
	PtyName string `xml:"Pty>Nm"`
}

func (p camtParty) name() string {
	if p.Name != "" {
		return p.Name
	}
	return p.PtyName
}

type camtPAcct struct {
	IBAN string `xml:"Id>IBAN"`
	Othr string `xml:"Id>Othr>Id"`
}

func (a camtPAcct) id() string {
	if a.IBAN != "" {
		return a.IBAN
	}
	return a.Othr
}

// Parse decodes one CAMT.053/054 document.
func (p *Parser) Parse(ctx context.Context, data []byte, meta parser.Metadata) (*statement.ParseResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if !strings.Contains(string(data), namespacePrefix) {
		return nil, parser.FormatMismatch(p.Name(), "ISO 20022 camt.053/054 namespace not found")
	}

	var doc camtDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &parser.MalformedRecordError{
			Format: p.Name(),
			Detail: fmt.Sprintf("invalid XML: %v", err),
			Err:    err,
		}
	}

	var raw []camtStatement
	switch {
	case doc.Statement != nil:
		raw = doc.Statement.Statements
	case doc.Notification != nil:
		raw = doc.Notification.Notifications
	default:
		return nil, parser.FormatMismatch(p.Name(), "document has neither BkToCstmrStmt nor BkToCstmrDbtCdtNtfctn")
	}
	if len(raw) == 0 {
		return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: "document contains no statements"}
	}

	result := &statement.ParseResult{}
	for i := range raw {
		st, err := p.convertStatement(&raw[i])
		if err != nil {
			return nil, err
		}
		if result.CurrencyCode == "" {
			result.CurrencyCode = st.CurrencyCode
		}
		if result.AccountNumber == "" {
			result.AccountNumber = st.AccountNumber
		}
		result.Statements = append(result.Statements, *st)
	}
	return result, nil
}

func (p *Parser) convertStatement(raw *camtStatement) (*statement.Statement, error) {
	st := &statement.Statement{
		Name:          raw.ID,
		CurrencyCode:  raw.Acct.Ccy,
		AccountNumber: accountID(raw.Acct),
	}

	for _, bal := range raw.Bal {
		amount, err := signedAmount(bal.Amt.Value, bal.CdtDbtInd)
		if err != nil {
			return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: fmt.Sprintf("invalid balance amount %q", bal.Amt.Value), Err: err}
		}
		switch bal.Code {
		case "OPBD", "PRCD":
			st.BalanceStart = amount
			st.HasBalanceStart = true
		case "CLBD":
			st.BalanceEndReal = amount
			st.HasBalanceEnd = true
			if d, ok := parseISODate(bal.Date, bal.DateTime); ok {
				st.Date = d
			}
		case "CLAV", "ITBD", "FWAV":
			// Available and interim balances are not statement balances.
		}
		if st.CurrencyCode == "" {
			st.CurrencyCode = bal.Amt.Ccy
		}
	}

	if st.Date.IsZero() && raw.FrToDt != nil {
		if d, ok := parseISODate("", raw.FrToDt.From); ok {
			st.Date = d
		}
	}
	if st.Date.IsZero() {
		if d, ok := parseISODate("", raw.CreDt); ok {
			st.Date = d
		}
	}

	for i := range raw.Ntry {
		txs, err := p.convertEntry(&raw.Ntry[i], st.CurrencyCode)
		if err != nil {
			return nil, err
		}
		st.Transactions = append(st.Transactions, txs...)
	}
	return st, nil
}

// convertEntry expands one <Ntry> into transactions: one per nested
// <TxDtls>, or a single transaction from the entry itself when no details
// are present (common in terse 054 notifications).
func (p *Parser) convertEntry(entry *camtEntry, stmtCurrency string) ([]statement.Transaction, error) {
	date, ok := parseISODate(entry.ValDt.Date, entry.ValDt.DateTime)
	if !ok {
		date, ok = parseISODate(entry.BookgDt.Date, entry.BookgDt.DateTime)
	}
	if !ok {
		return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: "entry has neither value date nor booking date"}
	}

	entryAmount, err := signedAmount(entry.Amt.Value, entry.CdtDbtInd)
	if err != nil {
		return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: fmt.Sprintf("invalid entry amount %q", entry.Amt.Value), Err: err}
	}

	if len(entry.Details) == 0 {
		tx := statement.Transaction{
			Date:             date,
			Amount:           entryAmount,
			PaymentReference: entry.Info,
			UniqueImportID:   entry.AcctSvcrRef,
			RawPayload:       entry.Info,
		}
		return []statement.Transaction{tx}, nil
	}

	txs := make([]statement.Transaction, 0, len(entry.Details))
	for i := range entry.Details {
		dtl := &entry.Details[i]

		side := dtl.CdtDbtInd
		if side == "" {
			side = entry.CdtDbtInd
		}
		amount := entryAmount
		if dtl.Amt.Value != "" {
			amount, err = signedAmount(dtl.Amt.Value, side)
			if err != nil {
				return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: fmt.Sprintf("invalid transaction amount %q", dtl.Amt.Value), Err: err}
			}
		} else if len(entry.Details) > 1 {
			return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: "batch entry detail is missing its own amount"}
		}

		tx := statement.Transaction{
			Date:   date,
			Amount: amount,
		}

		// The remote party role depends on the money direction: for a
		// credit received the counterparty is the debtor, for a debit paid
		// it is the creditor.
		if side == "CRDT" {
			tx.CounterpartyName = dtl.Parties.Debtor.name()
			tx.CounterpartyAccount = dtl.Parties.DebtorAcct.id()
		} else {
			tx.CounterpartyName = dtl.Parties.Creditor.name()
			tx.CounterpartyAccount = dtl.Parties.CredAcct.id()
		}

		switch {
		case dtl.Refs.EndToEndID != "" && dtl.Refs.EndToEndID != "NOTPROVIDED":
			tx.PaymentReference = dtl.Refs.EndToEndID
		case dtl.Remit.CreditorRef != "":
			tx.PaymentReference = dtl.Remit.CreditorRef
		}
		if len(dtl.Remit.Unstructured) > 0 {
			tx.Note = collapse(strings.Join(dtl.Remit.Unstructured, " "))
		}
		if tx.Note == "" && entry.Info != "" {
			tx.Note = entry.Info
		}

		// Provider-assigned ids, most specific first. Batch entries share
		// the entry-level reference, so it gets a per-detail suffix.
		switch {
		case dtl.Refs.AcctSvcrRef != "":
			tx.UniqueImportID = dtl.Refs.AcctSvcrRef
		case dtl.Refs.TxID != "":
			tx.UniqueImportID = dtl.Refs.TxID
		case entry.AcctSvcrRef != "" && len(entry.Details) == 1:
			tx.UniqueImportID = entry.AcctSvcrRef
		case entry.AcctSvcrRef != "":
			tx.UniqueImportID = fmt.Sprintf("%s-%d", entry.AcctSvcrRef, i+1)
		}

		// Original currency when the instructed amount was denominated
		// differently from the statement currency.
		instdCcy := dtl.AmtDtls.Instructed.Ccy
		if instdCcy != "" && stmtCurrency != "" && instdCcy != stmtCurrency {
			orig, err := decimal.NewFromString(dtl.AmtDtls.Instructed.Value)
			if err == nil {
				if amount.IsNegative() {
					orig = orig.Neg()
				}
				tx.OriginalAmount = orig
				tx.OriginalCurrency = instdCcy
			}
		}

		tx.RawPayload = rawDetail(entry, dtl)
		txs = append(txs, tx)
	}
	return txs, nil
}

func accountID(acct camtAccount) string {
	if acct.IBAN != "" {
		return acct.IBAN
	}
	return acct.Othr
}

func signedAmount(value, cdtDbtInd string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, err
	}
	if cdtDbtInd == "DBIT" {
		return amount.Neg(), nil
	}
	return amount, nil
}

// parseISODate accepts an ISO date or datetime, preferring the plain date.
func parseISODate(date, dateTime string) (time.Time, bool) {
	if date != "" {
		if t, err := time.Parse("2006-01-02", date); err == nil {
			return t, true
		}
	}
	if len(dateTime) >= 10 {
		if t, err := time.Parse("2006-01-02", dateTime[:10]); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func rawDetail(entry *camtEntry, dtl *camtTxDtl) string {
	parts := []string{}
	if dtl.Refs.EndToEndID != "" {
		parts = append(parts, "EndToEndId="+dtl.Refs.EndToEndID)
	}
	if dtl.Refs.AcctSvcrRef != "" {
		parts = append(parts, "AcctSvcrRef="+dtl.Refs.AcctSvcrRef)
	}
	if len(dtl.Remit.Unstructured) > 0 {
		parts = append(parts, strings.Join(dtl.Remit.Unstructured, " "))
	}
	if entry.Info != "" {
		parts = append(parts, entry.Info)
	}
	return strings.Join(parts, "; ")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
