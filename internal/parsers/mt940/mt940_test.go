package mt940

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/parser"
)

func mustMetadata(t *testing.T, filename string) parser.Metadata {
	t.Helper()
	meta, err := parser.NewMetadata(filename, time.Now())
	if err != nil {
		t.Fatalf("failed to create metadata: %v", err)
	}
	return *meta
}

func dialect(t *testing.T, name string) *DialectConfig {
	t.Helper()
	for _, cfg := range Dialects() {
		if cfg.Name == name {
			return cfg
		}
	}
	t.Fatalf("dialect %q not in table", name)
	return nil
}

const rabobankFixture = `:940:
:20:940A140102
:25:NL34RABO0142623393 EUR
:28C:0
:60F:C140101EUR4433,52
:61:140102C400,00N102NONREF
NL66RABO0160878799 Other Party
:86:/EREF/01122936-0000456/ORDP//NAME/Other Party/REMI/Factuur 4083
:61:140102D34,61N029NONREF
:86:Afsluitprovisie
:62F:C140102EUR4798,91
`

func TestParse_Rabobank(t *testing.T) {
	p := NewParser(dialect(t, "mt940-rabobank"))

	result, err := p.Parse(context.Background(), []byte(rabobankFixture), mustMetadata(t, "test.940"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(result.Statements) != 1 {
		t.Fatalf("got %d statements, want 1", len(result.Statements))
	}
	st := result.Statements[0]

	if st.AccountNumber != "NL34RABO0142623393" {
		t.Errorf("AccountNumber = %q, want %q", st.AccountNumber, "NL34RABO0142623393")
	}
	if st.CurrencyCode != "EUR" {
		t.Errorf("CurrencyCode = %q, want %q", st.CurrencyCode, "EUR")
	}
	if !st.HasBalanceStart || !st.BalanceStart.Equal(decimal.RequireFromString("4433.52")) {
		t.Errorf("BalanceStart = %s (set=%v), want 4433.52", st.BalanceStart, st.HasBalanceStart)
	}
	if !st.HasBalanceEnd || !st.BalanceEndReal.Equal(decimal.RequireFromString("4798.91")) {
		t.Errorf("BalanceEndReal = %s (set=%v), want 4798.91", st.BalanceEndReal, st.HasBalanceEnd)
	}
	if !st.ComputedBalanceEnd().Equal(st.BalanceEndReal) {
		t.Errorf("computed balance %s does not match declared %s", st.ComputedBalanceEnd(), st.BalanceEndReal)
	}
	if !st.Date.Equal(time.Date(2014, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Date = %v, want 2014-01-02", st.Date)
	}

	if len(st.Transactions) != 2 {
		t.Fatalf("got %d transactions, want 2", len(st.Transactions))
	}

	tx1 := st.Transactions[0]
	if !tx1.Amount.Equal(decimal.RequireFromString("400.00")) {
		t.Errorf("Transactions[0].Amount = %s, want 400.00", tx1.Amount)
	}
	if !tx1.Date.Equal(time.Date(2014, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Transactions[0].Date = %v, want 2014-01-02", tx1.Date)
	}
	if tx1.CounterpartyAccount != "NL66RABO0160878799" {
		t.Errorf("Transactions[0].CounterpartyAccount = %q, want %q", tx1.CounterpartyAccount, "NL66RABO0160878799")
	}
	if tx1.PaymentReference != "01122936-0000456" {
		t.Errorf("Transactions[0].PaymentReference = %q, want %q", tx1.PaymentReference, "01122936-0000456")
	}
	if tx1.CounterpartyName != "Other Party" {
		t.Errorf("Transactions[0].CounterpartyName = %q, want %q", tx1.CounterpartyName, "Other Party")
	}
	if tx1.Note != "Factuur 4083" {
		t.Errorf("Transactions[0].Note = %q, want %q", tx1.Note, "Factuur 4083")
	}

	tx2 := st.Transactions[1]
	if !tx2.Amount.Equal(decimal.RequireFromString("-34.61")) {
		t.Errorf("Transactions[1].Amount = %s, want -34.61", tx2.Amount)
	}
	if tx2.PaymentReference != "" {
		t.Errorf("Transactions[1].PaymentReference = %q, want empty (NONREF)", tx2.PaymentReference)
	}
	if tx2.Note != "Afsluitprovisie" {
		t.Errorf("Transactions[1].Note = %q, want %q", tx2.Note, "Afsluitprovisie")
	}
}

func TestParse_GenericDialect(t *testing.T) {
	content := strings.Join([]string{
		":20:STARTUMS",
		":25:DE14740618130000033626",
		":28C:1/1",
		":60F:C140227EUR0,00",
		":61:1402270227C350,00NTRFNONREF",
		":86:Verwendungszweck",
		":62F:C140227EUR350,00",
	}, "\r\n")

	p := NewParser(dialect(t, "mt940"))
	result, err := p.Parse(context.Background(), []byte(content), mustMetadata(t, "generic.sta"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	st := result.Statements[0]
	if len(st.Transactions) != 1 {
		t.Fatalf("got %d transactions, want 1", len(st.Transactions))
	}
	if !st.Transactions[0].Amount.Equal(decimal.RequireFromString("350.00")) {
		t.Errorf("Amount = %s, want 350.00", st.Transactions[0].Amount)
	}
	if !st.Transactions[0].Date.Equal(time.Date(2014, 2, 27, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Date = %v, want 2014-02-27", st.Transactions[0].Date)
	}
	if st.Name != "STARTUMS/1/1" {
		t.Errorf("Name = %q, want %q", st.Name, "STARTUMS/1/1")
	}
}

func TestParse_MultipleStatements(t *testing.T) {
	content := strings.Join([]string{
		":20:A",
		":25:NL34RABO0142623393",
		":28C:1",
		":60F:C140101EUR100,00",
		":61:140102C50,00NTRFNONREF",
		":62F:C140102EUR150,00",
		":20:B",
		":25:NL34RABO0142623393",
		":28C:2",
		":60F:C140102EUR150,00",
		":61:140103D25,00NTRFNONREF",
		":62F:C140103EUR125,00",
	}, "\n")

	p := NewParser(dialect(t, "mt940"))
	result, err := p.Parse(context.Background(), []byte(content), mustMetadata(t, "multi.sta"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(result.Statements) != 2 {
		t.Fatalf("got %d statements, want 2", len(result.Statements))
	}
	if result.Statements[0].Name != "A/1" || result.Statements[1].Name != "B/2" {
		t.Errorf("statement names = %q, %q", result.Statements[0].Name, result.Statements[1].Name)
	}
	if !result.Statements[1].BalanceStart.Equal(result.Statements[0].BalanceEndReal) {
		t.Errorf("statement chain broken: %s != %s",
			result.Statements[1].BalanceStart, result.Statements[0].BalanceEndReal)
	}
}

func TestParse_NotMT940(t *testing.T) {
	p := NewParser(dialect(t, "mt940"))
	_, err := p.Parse(context.Background(), []byte("Date,Amount\n2024-01-01,5.00\n"), mustMetadata(t, "data.csv"))
	if !parser.IsFormatMismatch(err) {
		t.Errorf("Parse() error = %v, want format mismatch", err)
	}
}

func TestParse_MalformedTransaction(t *testing.T) {
	content := strings.Join([]string{
		":20:A",
		":60F:C140101EUR100,00",
		":61:garbage",
		":62F:C140102EUR100,00",
	}, "\n")

	p := NewParser(dialect(t, "mt940"))
	_, err := p.Parse(context.Background(), []byte(content), mustMetadata(t, "bad.sta"))
	var malformed *parser.MalformedRecordError
	if !errors.As(err, &malformed) {
		t.Fatalf("Parse() error = %v, want MalformedRecordError", err)
	}
	if malformed.Line != 3 {
		t.Errorf("Line = %d, want 3", malformed.Line)
	}
}

func TestCanParse(t *testing.T) {
	tests := []struct {
		name     string
		dialect  string
		filename string
		header   string
		expected bool
	}{
		{
			name:     "rabobank envelope",
			dialect:  "mt940-rabobank",
			filename: "test.940",
			header:   ":940:\n:20:940A140102\n",
			expected: true,
		},
		{
			name:     "rabobank rejects bare mt940",
			dialect:  "mt940-rabobank",
			filename: "test.sta",
			header:   ":20:STARTUMS\n:60F:C140227EUR0,00\n",
			expected: false,
		},
		{
			name:     "generic accepts tagged content",
			dialect:  "mt940",
			filename: "test.sta",
			header:   ":20:STARTUMS\n:25:X\n:60F:C140227EUR0,00\n",
			expected: true,
		},
		{
			name:     "generic rejects csv",
			dialect:  "mt940",
			filename: "test.csv",
			header:   "Date,Amount\n",
			expected: false,
		},
		{
			name:     "mollie header",
			dialect:  "mt940-mollie",
			filename: "mollie.sta",
			header:   ":20:MOLLIE940\n",
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(dialect(t, tt.dialect))
			if got := p.CanParse(tt.filename, []byte(tt.header)); got != tt.expected {
				t.Errorf("CanParse() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		sign     string
		value    string
		expected string
		wantErr  bool
	}{
		{name: "credit", sign: "C", value: "123,41", expected: "123.41"},
		{name: "debit", sign: "D", value: "123,41", expected: "-123.41"},
		{name: "reversed credit", sign: "RC", value: "10,00", expected: "-10.00"},
		{name: "reversed debit", sign: "RD", value: "10,00", expected: "10.00"},
		{name: "no decimals", sign: "C", value: "500", expected: "500"},
		{name: "thousands dots", sign: "C", value: "1.234,56", expected: "1234.56"},
		{name: "bad sign", sign: "X", value: "1,00", wantErr: true},
		{name: "bad amount", sign: "C", value: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.sign, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAmount(%q, %q) error = %v, wantErr %v", tt.sign, tt.value, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("ParseAmount(%q, %q) = %s, want %s", tt.sign, tt.value, got, tt.expected)
			}
		})
	}
}
