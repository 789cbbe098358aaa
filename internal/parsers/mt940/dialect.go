package mt940

import "regexp"

// Field identifies the canonical role a :86: codeword maps to.
type Field int

const (
	// FieldIgnore drops the codeword's values.
	FieldIgnore Field = iota
	// FieldReference feeds the payment reference (end-to-end reference).
	FieldReference
	// FieldPartnerName feeds the counterparty name.
	FieldPartnerName
	// FieldPartnerAccount feeds the counterparty account.
	FieldPartnerAccount
	// FieldRemittance feeds the free-text note, and the payment reference
	// when no structured reference is present.
	FieldRemittance
)

// CodewordStyle selects the :86: subfield grammar.
type CodewordStyle int

const (
	// StyleSlash parses slash-delimited segments: /EREF/value/NAME/value.
	StyleSlash CodewordStyle = iota
	// StylePrefixed parses whitespace-separated segments where a segment
	// equal to a known codeword opens that codeword's value list.
	StylePrefixed
)

// DialectConfig is the per-bank strategy table entry. One shared state
// machine implementation consumes it; dialects differ only in their
// header/footer recognizers, the :61: grammar, and the :86: codeword
// vocabulary.
type DialectConfig struct {
	// Name is the parser identifier, e.g. "mt940-rabobank".
	Name string

	// Header, when set, must match the first non-empty line of the file.
	// A nil Header accepts any file that looks like tagged MT940.
	Header *regexp.Regexp

	// Ignore matches wrapper lines (envelope headers, trailers, block
	// markers) that are skipped before tag grouping.
	Ignore *regexp.Regexp

	// Tag61 parses the transaction header line. Required named groups:
	// date, sign, amount; optional: bookdate, code, reference.
	Tag61 *regexp.Regexp

	// Tag61Extra parses :61: continuation lines for counterparty info.
	// Optional named groups: account, name.
	Tag61Extra *regexp.Regexp

	// Style selects the :86: subfield grammar.
	Style CodewordStyle

	// Codewords maps the dialect's :86: vocabulary onto canonical fields.
	// An empty map treats the whole :86: text as remittance info.
	Codewords map[string]Field

	// Composite marks codewords whose value list is positional, e.g. ING
	// CNTP carrying account/BIC/name/city in order. The slice names the
	// field for each position; extra positions are ignored.
	Composite map[string][]Field
}

var (
	baseTag61 = regexp.MustCompile(`^(?P<date>\d{6})(?P<bookdate>\d{4})?(?P<sign>R?[CD])(?P<fundscode>[A-Z])?(?P<amount>\d{1,15}(?:,\d{0,2})?)N(?P<code>[A-Z0-9]{3})(?P<reference>[^/\s]{0,16})`)

	ibanExtra = regexp.MustCompile(`^(?P<account>[A-Z]{2}\d{2}[A-Z0-9]{4,30}|\d{1,10})\s*(?P<name>.*)$`)
)

// dutchCodewords is the slash-style vocabulary shared by the Dutch banks.
func dutchCodewords() map[string]Field {
	return map[string]Field{
		"EREF": FieldReference,
		"PREF": FieldReference,
		"KREF": FieldReference,
		"MARF": FieldReference,
		"CSID": FieldIgnore,
		"BENM": FieldIgnore, // role marker; NAME/IBAN that follow carry the data
		"ORDP": FieldIgnore,
		"NAME": FieldPartnerName,
		"IBAN": FieldPartnerAccount,
		"BIC":  FieldIgnore,
		"ADDR": FieldIgnore,
		"ID":   FieldIgnore,
		"REMI": FieldRemittance,
		"USTD": FieldRemittance,
		"STRD": FieldRemittance,
		"ISDT": FieldIgnore,
		"RTRN": FieldIgnore,
	}
}

// Dialects returns the static, ordered dialect table. Bank-specific
// dialects come before the generic one so the registry tries the most
// specific signature first.
func Dialects() []*DialectConfig {
	return []*DialectConfig{
		{
			Name:       "mt940-rabobank",
			Header:     regexp.MustCompile(`^:940:`),
			Ignore:     regexp.MustCompile(`^:940:`),
			Tag61:      regexp.MustCompile(`^(?P<date>\d{6})(?P<sign>R?[CD])(?P<amount>\d{1,15},\d{2})N(?P<code>\d{3})(?P<reference>[^\s]{0,16})`),
			Tag61Extra: ibanExtra,
			Style:      StyleSlash,
			Codewords:  dutchCodewords(),
		},
		{
			Name:   "mt940-ing",
			Header: regexp.MustCompile(`^0000\s?01INGBNL|^:20:(MPBZ|INGB)`),
			Ignore: regexp.MustCompile(`^0000\s?01INGBNL|^940\s?00|^XXXX`),
			Tag61:  baseTag61,
			Style:  StyleSlash,
			Codewords: map[string]Field{
				"EREF": FieldReference,
				"PREF": FieldReference,
				"MARF": FieldReference,
				"CSID": FieldIgnore,
				"CNTP": FieldIgnore, // composite, see below
				"REMI": FieldRemittance,
				"USTD": FieldRemittance,
				"STRD": FieldRemittance,
				"RTRN": FieldIgnore,
			},
			Composite: map[string][]Field{
				"CNTP": {FieldPartnerAccount, FieldIgnore, FieldPartnerName, FieldIgnore},
			},
		},
		{
			Name:   "mt940-mollie",
			Header: regexp.MustCompile(`^:20:MOLLIE`),
			Tag61:  regexp.MustCompile(`^(?P<date>\d{6})(?P<bookdate>\d{4})?(?P<sign>R?[CD])(?P<amount>\d{1,15},\d{0,2})NTRF(?P<reference>[^\s]{0,16})`),
			Style:  StyleSlash,
			Codewords: map[string]Field{
				"EREF": FieldReference,
				"CNTP": FieldIgnore,
				"REMI": FieldRemittance,
			},
			Composite: map[string][]Field{
				"CNTP": {FieldPartnerAccount, FieldIgnore, FieldPartnerName, FieldIgnore},
			},
		},
		{
			Name:   "mt940-raiffeisen",
			Header: regexp.MustCompile(`^:20:RAIF`),
			Tag61:  regexp.MustCompile(`^(?P<date>\d{6})(?P<bookdate>\d{4})?(?P<sign>R?[CD])(?P<amount>\d{1,15},\d{0,2})(?P<code>[NSF][A-Z0-9]{3})(?P<reference>[^\s]{0,16})`),
			Style:  StylePrefixed,
			Codewords: map[string]Field{
				"EREF": FieldReference,
				"BENM": FieldPartnerName,
				"ORDP": FieldPartnerName,
				"ACCT": FieldPartnerAccount,
				"REMI": FieldRemittance,
			},
		},
		{
			Name:   "mt940-brd",
			Header: regexp.MustCompile(`^:20:BRD`),
			Tag61:  regexp.MustCompile(`^(?P<date>\d{6})(?P<bookdate>\d{4})?(?P<sign>R?[CD])(?P<amount>\d{1,15},\d{0,2})(?P<code>[NSF][A-Z0-9]{3})(?P<reference>[^\s/]{0,16})`),
			Style:  StylePrefixed,
			Codewords: map[string]Field{
				"EREF": FieldReference,
				"NAME": FieldPartnerName,
				"ACCT": FieldPartnerAccount,
				"REMI": FieldRemittance,
			},
		},
		{
			// HSBC statements carry unstructured :86: detail; the whole
			// text becomes remittance info.
			Name:      "mt940-hsbc",
			Header:    regexp.MustCompile(`^:20:(HSBC|AUTO)`),
			Tag61:     baseTag61,
			Style:     StyleSlash,
			Codewords: map[string]Field{},
		},
		{
			Name:  "mt940",
			Tag61: baseTag61,
			Style: StyleSlash,
			Codewords: map[string]Field{
				"EREF": FieldReference,
				"NAME": FieldPartnerName,
				"IBAN": FieldPartnerAccount,
				"REMI": FieldRemittance,
				"USTD": FieldRemittance,
			},
		},
	}
}
