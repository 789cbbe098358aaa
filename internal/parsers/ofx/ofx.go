// Package ofx implements OFX/QFX statement parsing on top of ofxgo.
package ofx

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/parser"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

// Parser handles OFX and QFX content, both v1 SGML and v2 XML. Stateless;
// safe for concurrent use.
type Parser struct{}

var parserInstance = &Parser{}

// NewParser returns the shared OFX parser instance.
func NewParser() *Parser {
	return parserInstance
}

// Name returns the parser identifier.
func (p *Parser) Name() string {
	return "ofx"
}

func hasOFXMarker(content []byte) bool {
	upper := strings.ToUpper(string(content))
	return strings.Contains(upper, "OFXHEADER") ||
		strings.Contains(upper, "<?OFX") ||
		strings.Contains(upper, "<OFX>")
}

// CanParse checks the header for OFX markers (v1 SGML header line or v2
// XML processing instruction).
func (p *Parser) CanParse(filename string, header []byte) bool {
	return hasOFXMarker(header)
}

// Parse decodes an OFX response document into statements.
func (p *Parser) Parse(ctx context.Context, data []byte, meta parser.Metadata) (*statement.ParseResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if !hasOFXMarker(data) {
		return nil, parser.FormatMismatch(p.Name(), "no OFX header marker")
	}

	response, err := ofxgo.ParseResponse(bytes.NewReader(data))
	if err != nil {
		return nil, &parser.MalformedRecordError{
			Format: p.Name(),
			Detail: fmt.Sprintf("unparsable OFX document (%d bytes): %v", len(data), err),
			Err:    err,
		}
	}

	result := &statement.ParseResult{}
	for _, msg := range response.Bank {
		stmt, ok := msg.(*ofxgo.StatementResponse)
		if !ok {
			continue
		}
		st, err := p.convertBank(stmt)
		if err != nil {
			return nil, err
		}
		appendStatement(result, st)
	}
	for _, msg := range response.CreditCard {
		stmt, ok := msg.(*ofxgo.CCStatementResponse)
		if !ok {
			continue
		}
		st, err := p.convertCreditCard(stmt)
		if err != nil {
			return nil, err
		}
		appendStatement(result, st)
	}

	if len(result.Statements) == 0 {
		return nil, &parser.MalformedRecordError{
			Format: p.Name(),
			Detail: "OFX document contains no bank or credit card statement",
		}
	}
	return result, nil
}

func appendStatement(result *statement.ParseResult, st *statement.Statement) {
	if result.CurrencyCode == "" {
		result.CurrencyCode = st.CurrencyCode
	}
	if result.AccountNumber == "" {
		result.AccountNumber = st.AccountNumber
	}
	result.Statements = append(result.Statements, *st)
}

func (p *Parser) convertBank(stmt *ofxgo.StatementResponse) (*statement.Statement, error) {
	st := &statement.Statement{
		CurrencyCode:  stmt.CurDef.String(),
		AccountNumber: stmt.BankAcctFrom.AcctID.String(),
	}
	if st.AccountNumber == "" {
		return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: "bank statement is missing its account id"}
	}

	// The ledger balance is the closing balance as of DtAsOf.
	st.BalanceEndReal = amountToDecimal(stmt.BalAmt)
	st.HasBalanceEnd = true
	st.Date = stmt.DtAsOf.Time

	if stmt.BankTranList != nil {
		st.Date = stmt.BankTranList.DtStart.Time
		st.Name = fmt.Sprintf("%s/%s", st.AccountNumber, stmt.BankTranList.DtStart.Time.Format("2006-01-02"))
		txs, err := p.convertTransactions(stmt.BankTranList.Transactions, st.CurrencyCode)
		if err != nil {
			return nil, err
		}
		st.Transactions = txs
	}
	if st.Name == "" {
		st.Name = st.AccountNumber
	}
	return st, nil
}

func (p *Parser) convertCreditCard(stmt *ofxgo.CCStatementResponse) (*statement.Statement, error) {
	st := &statement.Statement{
		CurrencyCode:  stmt.CurDef.String(),
		AccountNumber: stmt.CCAcctFrom.AcctID.String(),
	}
	if st.AccountNumber == "" {
		return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: "credit card statement is missing its account id"}
	}

	st.BalanceEndReal = amountToDecimal(stmt.BalAmt)
	st.HasBalanceEnd = true
	st.Date = stmt.DtAsOf.Time

	if stmt.BankTranList != nil {
		st.Date = stmt.BankTranList.DtStart.Time
		st.Name = fmt.Sprintf("%s/%s", st.AccountNumber, stmt.BankTranList.DtStart.Time.Format("2006-01-02"))
		txs, err := p.convertTransactions(stmt.BankTranList.Transactions, st.CurrencyCode)
		if err != nil {
			return nil, err
		}
		st.Transactions = txs
	}
	if st.Name == "" {
		st.Name = st.AccountNumber
	}
	return st, nil
}

func (p *Parser) convertTransactions(txns []ofxgo.Transaction, stmtCurrency string) ([]statement.Transaction, error) {
	out := make([]statement.Transaction, 0, len(txns))
	for i, txn := range txns {
		tx, err := p.convertTransaction(txn, stmtCurrency)
		if err != nil {
			return nil, fmt.Errorf("transaction at index %d: %w", i, err)
		}
		out = append(out, *tx)
	}
	return out, nil
}

func (p *Parser) convertTransaction(txn ofxgo.Transaction, stmtCurrency string) (*statement.Transaction, error) {
	id := txn.FiTID.String()
	if id == "" {
		return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: "transaction is missing its FITID"}
	}

	date := txn.DtPosted.Time
	if date.IsZero() && txn.DtUser != nil {
		date = txn.DtUser.Time
	}
	if date.IsZero() {
		return nil, &parser.MalformedRecordError{Format: p.Name(), Detail: fmt.Sprintf("transaction %s has no posted or user date", id)}
	}

	name := strings.TrimSpace(txn.Name.String())
	if name == "" && txn.Payee != nil {
		name = strings.TrimSpace(txn.Payee.Name.String())
	}
	memo := strings.TrimSpace(txn.Memo.String())

	tx := &statement.Transaction{
		Date:             date,
		Amount:           amountToDecimal(txn.TrnAmt),
		CounterpartyName: name,
		Note:             memo,
		UniqueImportID:   id,
		RawPayload:       fmt.Sprintf("FITID=%s TRNTYPE=%v NAME=%s MEMO=%s", id, txn.TrnType, name, memo),
	}

	switch {
	case txn.RefNum.String() != "":
		tx.PaymentReference = txn.RefNum.String()
	case txn.CheckNum.String() != "":
		tx.PaymentReference = txn.CheckNum.String()
	}

	if txn.Currency != nil {
		if sym := txn.Currency.CurSym.String(); sym != "" && sym != stmtCurrency {
			// CURRATE is the CURDEF-per-CURSYM ratio, so the instructed
			// amount is the booked one divided by it. Without a usable
			// rate the original value is unknown and the pair stays unset.
			if rate := amountToDecimal(txn.Currency.CurRate); !rate.IsZero() {
				tx.OriginalAmount = tx.Amount.DivRound(rate, 2)
				tx.OriginalCurrency = sym
			}
		}
	}
	if txn.BankAcctTo != nil {
		tx.CounterpartyAccount = txn.BankAcctTo.AcctID.String()
	}
	return tx, nil
}

// amountToDecimal converts an ofxgo amount (a big.Rat) to a decimal.
// Financial amounts carry at most a few fraction digits, which the
// 4-digit rational rendering preserves exactly.
func amountToDecimal(amt ofxgo.Amount) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimRight(strings.TrimRight(amt.FloatString(4), "0"), "."))
	if err != nil {
		f, _ := amt.Float64()
		return decimal.NewFromFloat(f)
	}
	return d
}
