// Package pipeline orchestrates an import run: detect the format, parse,
// normalize, assemble, guard against duplicates, and hand the surviving
// statements to the ledger poster.
package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/assemble"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/dedup"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/ledger"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/normalize"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/parser"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/registry"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// Options configures one import run.
type Options struct {
	JournalID string
	Split     statement.SplitMode
	// DryRun parses and validates but records nothing and posts to a
	// discard ledger.
	DryRun bool
}

// FileReport is the outcome for one payload (a file, or one zip member).
type FileReport struct {
	File       string
	Parser     string
	Statements int
	Inserted   int
	Merged     int
	Duplicates int
	Posted     []string
	Err        error
}

// BatchReport aggregates a whole run.
type BatchReport struct {
	BatchID   string
	StartedAt time.Time
	Files     []FileReport
}

// Failed returns the reports that ended in an error.
func (r *BatchReport) Failed() []FileReport {
	var failed []FileReport
	for _, f := range r.Files {
		if f.Err != nil {
			failed = append(failed, f)
		}
	}
	return failed
}

// Totals sums the per-file counters, skipping failed files.
func (r *BatchReport) Totals() (statements, inserted, merged, duplicates int) {
	for _, f := range r.Files {
		if f.Err != nil {
			continue
		}
		statements += f.Statements
		inserted += f.Inserted
		merged += f.Merged
		duplicates += f.Duplicates
	}
	return
}

// Pipeline wires the import stages together.
type Pipeline struct {
	registry *registry.Registry
	store    *dedup.Store
	poster   ledger.Poster
	log      zerolog.Logger
	opts     Options
}

// New creates a pipeline. The store may be nil only in dry-run mode.
func New(reg *registry.Registry, store *dedup.Store, poster ledger.Poster, log zerolog.Logger, opts Options) (*Pipeline, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if opts.JournalID == "" {
		return nil, fmt.Errorf("journal id cannot be empty")
	}
	if store == nil && !opts.DryRun {
		return nil, fmt.Errorf("dedup store cannot be nil outside dry-run mode")
	}
	if poster == nil || opts.DryRun {
		poster = ledger.Discard
	}
	return &Pipeline{registry: reg, store: store, poster: poster, log: log, opts: opts}, nil
}

// ImportFiles runs the pipeline over each path and returns the batch
// report. A failure in one file never aborts the others.
func (p *Pipeline) ImportFiles(ctx context.Context, paths []string) *BatchReport {
	report := &BatchReport{
		BatchID:   uuid.NewString(),
		StartedAt: time.Now(),
	}
	p.log.Info().Str("batch", report.BatchID).Int("files", len(paths)).Msg("import batch started")

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			report.Files = append(report.Files, FileReport{
				File: path,
				Err:  fmt.Errorf("reading %s: %w", path, err),
			})
			continue
		}
		report.Files = append(report.Files, p.importPayload(ctx, path, data)...)
	}

	statements, inserted, merged, duplicates := report.Totals()
	p.log.Info().
		Str("batch", report.BatchID).
		Int("statements", statements).
		Int("inserted", inserted).
		Int("merged", merged).
		Int("duplicates", duplicates).
		Int("failed", len(report.Failed())).
		Msg("import batch finished")
	return report
}

// ImportBytes runs the pipeline over an in-memory payload.
func (p *Pipeline) ImportBytes(ctx context.Context, name string, data []byte) *BatchReport {
	report := &BatchReport{BatchID: uuid.NewString(), StartedAt: time.Now()}
	report.Files = p.importPayload(ctx, name, data)
	return report
}

// importPayload dispatches between zip archives and single payloads.
func (p *Pipeline) importPayload(ctx context.Context, name string, data []byte) []FileReport {
	if bytes.HasPrefix(data, zipMagic) {
		return p.importZip(ctx, name, data)
	}
	return []FileReport{p.importOne(ctx, name, data)}
}

// importZip expands an archive and imports each member independently, so
// one corrupt member does not sink the rest.
func (p *Pipeline) importZip(ctx context.Context, name string, data []byte) []FileReport {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return []FileReport{{File: name, Err: fmt.Errorf("opening zip %s: %w", name, err)}}
	}

	var reports []FileReport
	for _, member := range zr.File {
		if member.FileInfo().IsDir() || strings.HasPrefix(filepath.Base(member.Name), ".") {
			continue
		}
		memberName := fmt.Sprintf("%s!%s", name, member.Name)
		rc, err := member.Open()
		if err != nil {
			reports = append(reports, FileReport{File: memberName, Err: fmt.Errorf("opening zip member: %w", err)})
			continue
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			reports = append(reports, FileReport{File: memberName, Err: fmt.Errorf("reading zip member: %w", err)})
			continue
		}
		reports = append(reports, p.importPayload(ctx, memberName, content)...)
	}
	if len(reports) == 0 {
		reports = append(reports, FileReport{File: name, Err: fmt.Errorf("zip %s contains no importable members", name)})
	}
	return reports
}

// importOne runs the full stage chain for a single payload.
func (p *Pipeline) importOne(ctx context.Context, name string, data []byte) FileReport {
	report := FileReport{File: name}

	meta, err := parser.NewMetadata(filepath.Base(name), time.Now())
	if err != nil {
		report.Err = err
		return report
	}
	meta.SetJournalHint(p.opts.JournalID)

	detected, err := p.registry.Parse(ctx, data, *meta)
	if err != nil {
		report.Err = err
		return report
	}
	report.Parser = detected.Parser

	normalize.Normalize(detected.Result)

	assembled, err := assemble.Assemble(detected.Result, assemble.Options{Split: p.opts.Split})
	if err != nil {
		report.Err = err
		return report
	}
	report.Statements = len(assembled)

	toPost, err := p.guard(ctx, assembled, &report)
	if err != nil {
		report.Err = err
		return report
	}
	if len(toPost) == 0 {
		p.log.Info().Str("file", name).Msg("nothing new to post")
		return report
	}

	posted, err := p.poster.Post(ctx, p.opts.JournalID, toPost)
	if err != nil {
		report.Err = fmt.Errorf("posting statements from %s: %w", name, err)
		return report
	}
	report.Posted = posted

	if !p.opts.DryRun {
		var ids []string
		for _, st := range toPost {
			for _, tx := range st.Transactions {
				ids = append(ids, tx.UniqueImportID)
			}
		}
		if err := p.store.MarkPosted(ctx, p.opts.JournalID, ids); err != nil {
			report.Err = err
		}
	}
	return report
}

// guard filters each statement down to transactions the dedup store has
// not seen, dropping statements that end up empty. Dry runs skip the
// store entirely.
func (p *Pipeline) guard(ctx context.Context, statements []statement.Statement, report *FileReport) ([]statement.Statement, error) {
	if p.opts.DryRun {
		return statements, nil
	}

	var out []statement.Statement
	for _, st := range statements {
		kept := st
		kept.Transactions = nil
		for i := range st.Transactions {
			tx := &st.Transactions[i]
			outcome, err := p.store.Record(ctx, p.opts.JournalID, tx)
			if err != nil {
				return nil, err
			}
			switch outcome {
			case dedup.Inserted:
				report.Inserted++
				kept.Transactions = append(kept.Transactions, *tx)
			case dedup.Merged:
				report.Merged++
			case dedup.Duplicate:
				report.Duplicates++
			}
		}
		if len(kept.Transactions) > 0 {
			out = append(out, kept)
		}
	}
	return out, nil
}
