// Package parser defines the strategy interface shared by all statement
// format parsers, plus the error taxonomy the registry and pipeline dispatch
// on.
package parser

import (
	"context"
	"fmt"
	"time"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

// Parser is the strategy interface for all file format parsers.
//
// Implementations are stateless values safe for concurrent use: all
// behavior is determined by the input bytes and the optional Metadata. A
// parser must not mutate any shared state on failure, so the registry can
// retry the same bytes with the next candidate from scratch.
type Parser interface {
	// Name returns the parser identifier (e.g. "mt940-rabobank", "camt",
	// "qif").
	Name() string

	// CanParse reports whether this parser should attempt the file, based
	// on the filename and the first bytes of content. It is a cheap
	// pre-filter; Parse still returns ErrFormatMismatch when the full
	// content does not match the dialect signature.
	CanParse(filename string, header []byte) bool

	// Parse converts raw bytes into a ParseResult, or fails with
	// ErrFormatMismatch (content is not this dialect) or a
	// MalformedRecordError (content is this dialect but violates its
	// grammar).
	Parse(ctx context.Context, data []byte, meta Metadata) (*statement.ParseResult, error)
}

// Metadata carries context about the data being parsed: where it came from
// and any hints the caller resolved outside the file content.
type Metadata struct {
	filename    string
	journalHint string
	detectedAt  time.Time
}

// NewMetadata creates metadata for one parse call. filename may be empty
// for in-memory payloads (live API pulls).
func NewMetadata(filename string, detectedAt time.Time) (*Metadata, error) {
	if detectedAt.IsZero() {
		return nil, fmt.Errorf("detected time cannot be zero")
	}
	return &Metadata{filename: filename, detectedAt: detectedAt}, nil
}

// Filename returns the source file name, or "" for in-memory payloads.
func (m *Metadata) Filename() string { return m.filename }

// JournalHint returns the target journal inferred outside the file content
// (directory layout, upload form). Empty when unknown.
func (m *Metadata) JournalHint() string { return m.journalHint }

// DetectedAt returns when the source data was picked up.
func (m *Metadata) DetectedAt() time.Time { return m.detectedAt }

// SetJournalHint records the journal resolved by the caller.
func (m *Metadata) SetJournalHint(journal string) { m.journalHint = journal }
