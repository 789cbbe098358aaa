package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/dedup"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/ledger"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/parsers/sheet"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/pipeline"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/registry"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/scanner"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/ui"
)

const (
	version = "0.1.0"
)

var (
	// Global flags
	versionFlag = flag.Bool("version", false, "Show version")

	// Core CLI flags
	inputPath = flag.String("input", "", "Statement file, zip, or directory to import (required)")
	journalID = flag.String("journal", "", "Target journal identifier (required)")
	dryRun    = flag.Bool("dry-run", false, "Parse and validate without recording or posting")
	verbose   = flag.Bool("verbose", false, "Show detailed parsing logs")

	// Storage and output flags
	dbFile     = flag.String("db", "bankstmt.db", "Deduplication database file")
	outputFile = flag.String("output", "", "Output JSON export file (default: stdout)")
	mergeMode  = flag.Bool("merge", false, "Merge with existing output file")

	// Parsing flags
	splitMode   = flag.String("split", "none", "Split statements by period: none, day, week, month")
	mappingFile = flag.String("mapping", "", "Column mapping profile for CSV/XLS files (default: embedded generic profile)")
)

func main() {
	// Custom usage message
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, `bankstmt - Bank statement import pipeline

Usage:
  bankstmt [flags]

Flags:
`)
		flag.PrintDefaults()
		fmt.Fprint(os.Stderr, `
Examples:
  # Import one statement file
  bankstmt -input statement.940 -journal checking

  # Import a directory tree, splitting statements by month
  bankstmt -input ~/statements -journal checking -split month -output ledger.json

  # Dry run a CSV with a custom column mapping
  bankstmt -input export.csv -journal savings -mapping rabobank.yaml -dry-run -verbose

`)
	}

	flag.Parse()

	// Handle version flag
	if *versionFlag {
		fmt.Printf("bankstmt version %s\n", version)
		os.Exit(0)
	}

	// Validate required flags
	if *inputPath == "" {
		fmt.Fprintf(os.Stderr, "Error: -input flag is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if *journalID == "" {
		fmt.Fprintf(os.Stderr, "Error: -journal flag is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(*verbose)

	split, err := statement.ParseSplitMode(*splitMode)
	if err != nil {
		return err
	}

	var mapping *sheet.Mapping
	if *mappingFile != "" {
		mapping, err = sheet.LoadMapping(*mappingFile)
		if err != nil {
			return fmt.Errorf("loading column mapping %s: %w", *mappingFile, err)
		}
	}

	if !*verbose {
		ui.Header("Importing Bank Statements")
		ui.Step(1, 3, "Collecting statement files")
	}
	paths, err := collectInputs(*inputPath)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no statement files found at %s\n\nSupported extensions: .940 .sta .mt940 .xml .ofx .qfx .qif .csv .xls .zip", *inputPath)
	}
	if *verbose {
		for _, p := range paths {
			log.Debug().Str("file", p).Msg("queued")
		}
	} else {
		ui.Success(fmt.Sprintf("Found %d statement files", len(paths)))
	}

	reg, err := registry.New(log, mapping)
	if err != nil {
		return fmt.Errorf("building parser registry: %w", err)
	}

	var store *dedup.Store
	if !*dryRun {
		if !*verbose {
			ui.Step(2, 3, "Opening deduplication database")
		}
		store, err = dedup.Open(*dbFile)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	poster := ledger.NewJSONPoster(*outputFile, *mergeMode)

	pipe, err := pipeline.New(reg, store, poster, log, pipeline.Options{
		JournalID: *journalID,
		Split:     split,
		DryRun:    *dryRun,
	})
	if err != nil {
		return err
	}

	if !*verbose {
		ui.Step(3, 3, "Importing")
	}
	report := pipe.ImportFiles(ctx, paths)

	printReport(report)
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d files failed to import", len(failed), len(report.Files))
	}
	return nil
}

// collectInputs resolves the input flag to concrete file paths: a single
// file as-is, a directory via the scanner.
func collectInputs(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("reading input %s: %w", input, err)
	}
	if !info.IsDir() {
		return []string{input}, nil
	}
	found, err := scanner.New(input).Scan()
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.Path
	}
	return paths, nil
}

func printReport(report *pipeline.BatchReport) {
	statements, inserted, merged, duplicates := report.Totals()
	fmt.Fprintf(os.Stderr, "\n")
	ui.Infof("Batch %s", report.BatchID)
	ui.Infof("Statements: %d, new transactions: %d, merged: %d, duplicates skipped: %d",
		statements, inserted, merged, duplicates)
	for _, f := range report.Files {
		if f.Err != nil {
			ui.Error(fmt.Sprintf("%s: %v", f.File, f.Err))
			continue
		}
		if len(f.Posted) == 0 {
			ui.Warning(fmt.Sprintf("%s: nothing new (%d duplicates)", f.File, f.Duplicates))
			continue
		}
		ui.Success(fmt.Sprintf("%s: %s -> %d statements posted", f.File, f.Parser, len(f.Posted)))
	}
}

func newLogger(verbose bool) zerolog.Logger {
	// Non-verbose runs report through the ui package; keep the log
	// channel to warnings so the two do not interleave.
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
