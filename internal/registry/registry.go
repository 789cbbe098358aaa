// Package registry wires the format parsers into an ordered detection
// chain. Specific dialects come before generic ones so the first match
// is also the best match.
package registry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/parser"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/parsers/camt"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/parsers/mt940"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/parsers/ofx"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/parsers/qif"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/parsers/sheet"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

// Detected pairs a parse result with the parser that produced it.
type Detected struct {
	Parser string
	Result *statement.ParseResult
}

// headerProbeSize is how many leading bytes CanParse gets to sniff.
const headerProbeSize = 512

// Registry holds the ordered parser chain.
type Registry struct {
	parsers []parser.Parser
	log     zerolog.Logger
}

// New builds the default chain: MT940 dialects (specific before generic),
// then CAMT, OFX, QIF, and last the mapped-sheet parser with the given
// profile. A nil mapping uses the embedded generic profile.
func New(log zerolog.Logger, mapping *sheet.Mapping) (*Registry, error) {
	if mapping == nil {
		m, err := sheet.DefaultMapping()
		if err != nil {
			return nil, fmt.Errorf("loading default sheet mapping: %w", err)
		}
		mapping = m
	}
	sheetParser, err := sheet.NewParser(mapping)
	if err != nil {
		return nil, fmt.Errorf("building sheet parser: %w", err)
	}

	var parsers []parser.Parser
	for _, cfg := range mt940.Dialects() {
		parsers = append(parsers, mt940.NewParser(cfg))
	}
	parsers = append(parsers,
		camt.NewParser(),
		ofx.NewParser(),
		qif.NewParser(),
		sheetParser,
	)
	return &Registry{parsers: parsers, log: log}, nil
}

// NewWithParsers builds a registry over an explicit chain, mainly for
// tests that need to control ordering.
func NewWithParsers(log zerolog.Logger, parsers ...parser.Parser) *Registry {
	return &Registry{parsers: parsers, log: log}
}

// Parsers returns the chain in detection order.
func (r *Registry) Parsers() []parser.Parser {
	out := make([]parser.Parser, len(r.parsers))
	copy(out, r.parsers)
	return out
}

// Parse runs the chain over the payload. Each candidate whose CanParse
// accepts the header gets one Parse attempt; a format mismatch moves on
// to the next candidate, any other error aborts because the format was
// recognized but the content is broken. When nobody claims the payload
// the error carries every attempt made.
func (r *Registry) Parse(ctx context.Context, data []byte, meta parser.Metadata) (*Detected, error) {
	header := data
	if len(header) > headerProbeSize {
		header = header[:headerProbeSize]
	}

	var attempts []parser.Attempt
	for _, p := range r.parsers {
		if !p.CanParse(meta.Filename(), header) {
			attempts = append(attempts, parser.Attempt{Parser: p.Name(), Reason: "header probe rejected"})
			continue
		}
		r.log.Debug().Str("parser", p.Name()).Str("file", meta.Filename()).Msg("attempting parse")
		result, err := p.Parse(ctx, data, meta)
		if err == nil {
			r.log.Info().
				Str("parser", p.Name()).
				Str("file", meta.Filename()).
				Int("statements", len(result.Statements)).
				Msg("parsed")
			return &Detected{Parser: p.Name(), Result: result}, nil
		}
		if parser.IsFormatMismatch(err) {
			attempts = append(attempts, parser.Attempt{Parser: p.Name(), Reason: err.Error()})
			continue
		}
		return nil, fmt.Errorf("parsing %s as %s: %w", meta.Filename(), p.Name(), err)
	}

	return nil, &parser.NoMatchingFormatError{Attempts: attempts}
}
