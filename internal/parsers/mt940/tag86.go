package mt940

import (
	"strings"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

// parseSubfields runs the :86: codeword grammar: structured segments are
// keyed by a sliding "current codeword" accumulator, and a segment with no
// recognized codeword prefix is appended to the previous codeword's value
// list. Text before the first codeword, and the whole text for dialects
// with an empty vocabulary, counts as unstructured remittance info.
func parseSubfields(text string, cfg *DialectConfig) map[Field][]string {
	flat := strings.Join(splitLines(text), " ")
	flat = strings.TrimSpace(flat)
	if flat == "" {
		return nil
	}

	if len(cfg.Codewords) == 0 {
		return map[Field][]string{FieldRemittance: {collapseSpaces(flat)}}
	}

	var tokens []string
	switch cfg.Style {
	case StyleSlash:
		tokens = strings.Split(flat, "/")
	case StylePrefixed:
		tokens = strings.Fields(flat)
	}

	byCodeword := make(map[string][]string)
	var order []string
	current := ""
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, known := cfg.Codewords[tok]; known {
			current = tok
			if _, seen := byCodeword[current]; !seen {
				order = append(order, current)
			}
			// Touch the entry so value-less codewords still register.
			if byCodeword[current] == nil {
				byCodeword[current] = []string{}
			}
			continue
		}
		byCodeword[current] = append(byCodeword[current], tok)
	}

	fields := make(map[Field][]string)
	// Unkeyed leading text is unstructured remittance.
	if loose := byCodeword[""]; len(loose) > 0 {
		fields[FieldRemittance] = append(fields[FieldRemittance], collapseSpaces(strings.Join(loose, " ")))
	}
	for _, cw := range order {
		values := byCodeword[cw]
		if positions, ok := cfg.Composite[cw]; ok {
			for i, f := range positions {
				if i >= len(values) || f == FieldIgnore {
					continue
				}
				if v := collapseSpaces(values[i]); v != "" {
					fields[f] = append(fields[f], v)
				}
			}
			continue
		}
		f := cfg.Codewords[cw]
		if f == FieldIgnore || len(values) == 0 {
			continue
		}
		joiner := " "
		if cfg.Style == StyleSlash {
			// Re-join with the original delimiter: a value containing
			// slashes was split into multiple accumulator entries.
			joiner = "/"
		}
		if v := collapseSpaces(strings.Join(values, joiner)); v != "" {
			fields[f] = append(fields[f], v)
		}
	}
	return fields
}

// applySubfields maps extracted :86: fields onto the canonical transaction.
// A structured reference beats the :61: customer reference; remittance text
// lands in the note and is the normalizer's reference fallback.
func applySubfields(tx *statement.Transaction, fields map[Field][]string) {
	if refs := fields[FieldReference]; len(refs) > 0 {
		tx.PaymentReference = refs[0]
	}
	if names := fields[FieldPartnerName]; len(names) > 0 && tx.CounterpartyName == "" {
		tx.CounterpartyName = strings.Join(names, " ")
	}
	if accounts := fields[FieldPartnerAccount]; len(accounts) > 0 && tx.CounterpartyAccount == "" {
		tx.CounterpartyAccount = accounts[0]
	}
	if remit := fields[FieldRemittance]; len(remit) > 0 {
		if tx.Note != "" {
			tx.Note += " "
		}
		tx.Note += strings.Join(remit, " ")
	}
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
