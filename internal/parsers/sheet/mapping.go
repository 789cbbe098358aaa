package sheet

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed mapping.yaml
var embeddedMapping []byte

// AmountMode selects how the mapped columns yield a signed amount.
type AmountMode string

const (
	// AmountSigned reads one signed amount column.
	AmountSigned AmountMode = "signed"
	// AmountDebitCredit reads separate debit and credit columns.
	AmountDebitCredit AmountMode = "debit_credit"
	// AmountIndicator reads one absolute amount column plus a
	// debit/credit indicator column with configurable marker values.
	AmountIndicator AmountMode = "indicator"
)

// Column binds a canonical field to a sheet column, either by header name
// or by zero-based index when the sheet has no header row.
type Column struct {
	Name  string
	Index int
	set   bool
	byIdx bool
}

// Set reports whether the mapping binds this column at all.
func (c *Column) Set() bool { return c != nil && c.set }

// UnmarshalYAML accepts either a scalar int (index) or string (header).
func (c *Column) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("column binding must be a header name or index, got %s", value.Tag)
	}
	if value.Tag == "!!int" {
		if err := value.Decode(&c.Index); err != nil {
			return err
		}
		if c.Index < 0 {
			return fmt.Errorf("column index must be >= 0, got %d", c.Index)
		}
		c.byIdx = true
		c.set = true
		return nil
	}
	if err := value.Decode(&c.Name); err != nil {
		return err
	}
	c.set = c.Name != ""
	return nil
}

// ByName creates a header-bound column (test helper and programmatic use).
func ByName(name string) Column { return Column{Name: name, set: true} }

// ByIndex creates an index-bound column.
func ByIndex(idx int) Column { return Column{Index: idx, set: true, byIdx: true} }

// Mapping is the configuration-driven contract of the sheet parser: which
// column supplies each canonical field, plus the lexical details (decimal
// separator, encoding, date layout) needed to decode cell values.
type Mapping struct {
	Name string `yaml:"name"`

	// Delimiter for CSV input; defaults to ",".
	Delimiter string `yaml:"delimiter"`

	// Encoding of the raw bytes: utf-8 (default), latin-1 or
	// windows-1252.
	Encoding string `yaml:"encoding"`

	// NoHeader means columns are bound by index and row 0 is data.
	NoHeader bool `yaml:"no_header"`

	// SkipRows drops leading non-data rows before the header (bank
	// exports often prepend report titles).
	SkipRows int `yaml:"skip_rows"`

	DateColumn Column `yaml:"date_column"`
	// DateLayout is a Go reference-time layout; defaults to 2006-01-02.
	DateLayout string `yaml:"date_format"`

	AmountMode      AmountMode `yaml:"amount_mode"`
	AmountColumn    Column     `yaml:"amount_column"`
	DebitColumn     Column     `yaml:"debit_column"`
	CreditColumn    Column     `yaml:"credit_column"`
	IndicatorColumn Column     `yaml:"indicator_column"`
	// Markers recognized in the indicator column; matching is
	// case-insensitive.
	DebitMarkers  []string `yaml:"debit_markers"`
	CreditMarkers []string `yaml:"credit_markers"`

	DecimalSeparator   string `yaml:"decimal_separator"`
	ThousandsSeparator string `yaml:"thousands_separator"`

	ReferenceColumn      Column `yaml:"reference_column"`
	PartnerNameColumn    Column `yaml:"partner_name_column"`
	PartnerAccountColumn Column `yaml:"partner_account_column"`
	NoteColumn           Column `yaml:"note_column"`
	ImportIDColumn       Column `yaml:"import_id_column"`

	// Account and currency are usually fixed per profile rather than
	// repeated on every row; the column bindings win when both are set.
	AccountNumber  string `yaml:"account_number"`
	AccountColumn  Column `yaml:"account_column"`
	CurrencyCode   string `yaml:"currency_code"`
	CurrencyColumn Column `yaml:"currency_column"`

	StatementName string `yaml:"statement_name"`

	// SkipZeroAmounts drops zero-amount rows (informational lines some
	// exports include). Off by default: silently dropping data conflicts
	// with balance validation.
	SkipZeroAmounts bool `yaml:"skip_zero_amounts"`
}

// Validate checks the mapping invariants before any row is read.
func (m *Mapping) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("mapping name cannot be empty")
	}
	if !m.DateColumn.Set() {
		return fmt.Errorf("mapping %s: date_column is required", m.Name)
	}
	switch m.AmountMode {
	case AmountSigned, "":
		if !m.AmountColumn.Set() {
			return fmt.Errorf("mapping %s: amount_column is required for signed amounts", m.Name)
		}
	case AmountDebitCredit:
		if !m.DebitColumn.Set() || !m.CreditColumn.Set() {
			return fmt.Errorf("mapping %s: debit_column and credit_column are required for debit_credit amounts", m.Name)
		}
	case AmountIndicator:
		if !m.AmountColumn.Set() || !m.IndicatorColumn.Set() {
			return fmt.Errorf("mapping %s: amount_column and indicator_column are required for indicator amounts", m.Name)
		}
		if len(m.DebitMarkers) == 0 && len(m.CreditMarkers) == 0 {
			return fmt.Errorf("mapping %s: indicator amounts need debit_markers or credit_markers", m.Name)
		}
	default:
		return fmt.Errorf("mapping %s: unknown amount_mode %q", m.Name, m.AmountMode)
	}
	if len(m.Delimiter) > 1 {
		return fmt.Errorf("mapping %s: delimiter must be a single character", m.Name)
	}
	switch strings.ToLower(m.Encoding) {
	case "", "utf-8", "utf8", "latin-1", "latin1", "iso-8859-1", "windows-1252", "cp1252":
	default:
		return fmt.Errorf("mapping %s: unsupported encoding %q", m.Name, m.Encoding)
	}
	if m.SkipRows < 0 {
		return fmt.Errorf("mapping %s: skip_rows cannot be negative", m.Name)
	}
	return nil
}

func (m *Mapping) dateLayout() string {
	if m.DateLayout != "" {
		return m.DateLayout
	}
	return "2006-01-02"
}

func (m *Mapping) amountMode() AmountMode {
	if m.AmountMode == "" {
		return AmountSigned
	}
	return m.AmountMode
}

// LoadMapping reads a mapping profile from a YAML file.
func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	return parseMapping(data)
}

// DefaultMapping returns the embedded generic profile: header-bound
// date/amount/description columns in the shape most bank CSV exports use.
func DefaultMapping() (*Mapping, error) {
	return parseMapping(embeddedMapping)
}

func parseMapping(data []byte) (*Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mapping: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
