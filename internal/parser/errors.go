package parser

import (
	"errors"
	"fmt"
)

// ErrFormatMismatch signals that the byte content does not match this
// parser's dialect signature. The registry treats it as recoverable and
// tries the next parser in the chain.
var ErrFormatMismatch = errors.New("format mismatch")

// FormatMismatch wraps ErrFormatMismatch with the reason the content was
// rejected, so a failed chain can report why each candidate declined.
func FormatMismatch(format, reason string) error {
	return fmt.Errorf("%s: %s: %w", format, reason, ErrFormatMismatch)
}

// IsFormatMismatch reports whether err is a recoverable format rejection.
func IsFormatMismatch(err error) bool {
	return errors.Is(err, ErrFormatMismatch)
}

// MalformedRecordError means the format was recognized but a specific
// record violates the grammar. It fails the whole file parse: balance
// integrity cannot be guaranteed from partially parsed content.
type MalformedRecordError struct {
	Format string
	Line   int    // 1-based line or record index, 0 when unknown
	Detail string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: malformed record at line %d: %s", e.Format, e.Line, e.Detail)
	}
	return fmt.Sprintf("%s: malformed record: %s", e.Format, e.Detail)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// BalanceMismatchError means the computed closing balance disagrees with
// the source-declared closing balance beyond the accepted tolerance. It is
// a hard import failure: truncated or corrupted data must not be accepted
// silently.
type BalanceMismatchError struct {
	StatementName string
	Declared      string
	Computed      string
}

func (e *BalanceMismatchError) Error() string {
	return fmt.Sprintf("statement %s: declared closing balance %s does not match computed %s",
		e.StatementName, e.Declared, e.Computed)
}

// NoMatchingFormatError aggregates every parser's rejection when the whole
// chain fails, so the user can distinguish "wrong file type" from "corrupt
// file" from "unsupported dialect".
type NoMatchingFormatError struct {
	Attempts []Attempt
}

// Attempt records one parser's rejection of the input.
type Attempt struct {
	Parser string
	Reason string
}

func (e *NoMatchingFormatError) Error() string {
	msg := fmt.Sprintf("no recognized statement format (%d parsers tried)", len(e.Attempts))
	for _, a := range e.Attempts {
		msg += fmt.Sprintf("\n  - %s: %s", a.Parser, a.Reason)
	}
	return msg
}
