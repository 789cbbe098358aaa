package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/dedup"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/ledger"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/parser"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/registry"
	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

const qifFixture = `!Type:Bank
D2024-01-05
T-120.50
PGreen Grocer
MWeekly shopping
^
D2024-01-06
T2500.00
PEmployer Ltd
NSALARY-JAN
^
`

// capturePoster records what was posted per call.
type capturePoster struct {
	calls [][]statement.Statement
}

func (c *capturePoster) Post(ctx context.Context, journalID string, statements []statement.Statement) ([]string, error) {
	c.calls = append(c.calls, statements)
	names := make([]string, len(statements))
	for i, st := range statements {
		names[i] = st.Name
	}
	return names, nil
}

func newTestPipeline(t *testing.T, poster ledger.Poster, opts Options) (*Pipeline, *dedup.Store) {
	t.Helper()
	reg, err := registry.New(zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	var store *dedup.Store
	if !opts.DryRun {
		store, err = dedup.Open(":memory:")
		if err != nil {
			t.Fatalf("dedup.Open() error = %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}
	p, err := New(reg, store, poster, zerolog.Nop(), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p, store
}

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImportFiles_EndToEnd(t *testing.T) {
	poster := &capturePoster{}
	p, store := newTestPipeline(t, poster, Options{JournalID: "checking"})
	path := writeFixture(t, t.TempDir(), "register.qif", qifFixture)

	report := p.ImportFiles(context.Background(), []string{path})
	if failed := report.Failed(); len(failed) != 0 {
		t.Fatalf("failed files: %+v", failed)
	}
	if report.BatchID == "" {
		t.Error("BatchID is empty")
	}
	if len(report.Files) != 1 {
		t.Fatalf("Files = %d, want 1", len(report.Files))
	}

	file := report.Files[0]
	if file.Parser != "qif" {
		t.Errorf("Parser = %q, want qif", file.Parser)
	}
	if file.Statements != 1 || file.Inserted != 2 || file.Duplicates != 0 {
		t.Errorf("counts = %d statements, %d inserted, %d duplicates; want 1/2/0",
			file.Statements, file.Inserted, file.Duplicates)
	}
	if len(file.Posted) != 1 || file.Posted[0] != "register.qif" {
		t.Errorf("Posted = %v, want [register.qif]", file.Posted)
	}

	if len(poster.calls) != 1 {
		t.Fatalf("poster called %d times, want 1", len(poster.calls))
	}
	txs := poster.calls[0][0].Transactions
	if len(txs) != 2 {
		t.Fatalf("posted %d transactions, want 2", len(txs))
	}
	for _, tx := range txs {
		if tx.UniqueImportID == "" {
			t.Error("posted transaction without import id")
		}
		if tx.PaymentReference == "" {
			t.Error("posted transaction without resolved reference")
		}
	}

	n, err := store.Count(context.Background(), "checking")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("store count = %d, want 2", n)
	}
}

func TestImportFiles_SecondRunIsIdempotent(t *testing.T) {
	poster := &capturePoster{}
	p, _ := newTestPipeline(t, poster, Options{JournalID: "checking"})
	path := writeFixture(t, t.TempDir(), "register.qif", qifFixture)
	ctx := context.Background()

	if failed := p.ImportFiles(ctx, []string{path}).Failed(); len(failed) != 0 {
		t.Fatalf("first run failed: %+v", failed)
	}
	second := p.ImportFiles(ctx, []string{path})
	if failed := second.Failed(); len(failed) != 0 {
		t.Fatalf("second run failed: %+v", failed)
	}

	file := second.Files[0]
	if file.Inserted != 0 || file.Duplicates != 2 {
		t.Errorf("second run = %d inserted, %d duplicates; want 0/2", file.Inserted, file.Duplicates)
	}
	if len(file.Posted) != 0 {
		t.Errorf("second run posted %v, want nothing", file.Posted)
	}
	if len(poster.calls) != 1 {
		t.Errorf("poster called %d times across both runs, want 1", len(poster.calls))
	}
}

func TestImportFiles_DryRunTouchesNothing(t *testing.T) {
	poster := &capturePoster{}
	p, _ := newTestPipeline(t, poster, Options{JournalID: "checking", DryRun: true})
	path := writeFixture(t, t.TempDir(), "register.qif", qifFixture)

	report := p.ImportFiles(context.Background(), []string{path})
	if failed := report.Failed(); len(failed) != 0 {
		t.Fatalf("dry run failed: %+v", failed)
	}
	file := report.Files[0]
	if file.Statements != 1 {
		t.Errorf("Statements = %d, want 1", file.Statements)
	}
	if file.Inserted != 0 {
		t.Errorf("dry run recorded %d insertions", file.Inserted)
	}
	// The custom poster is replaced by the discard poster in dry-run mode.
	if len(poster.calls) != 0 {
		t.Errorf("dry run posted to the real ledger %d times", len(poster.calls))
	}
	if len(file.Posted) != 1 {
		t.Errorf("dry run Posted = %v, want the would-be statement", file.Posted)
	}
}

func TestImportFiles_ZipMemberBoundary(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"good.qif":    qifFixture,
		"broken.qif":  "!Type:Bank\nDnot-a-date\n^\n",
		".hidden.qif": qifFixture,
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	p, _ := newTestPipeline(t, &capturePoster{}, Options{JournalID: "checking"})
	path := filepath.Join(t.TempDir(), "bundle.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	report := p.ImportFiles(context.Background(), []string{path})
	if len(report.Files) != 2 {
		t.Fatalf("Files = %d, want 2 (dotfile member skipped)", len(report.Files))
	}

	byName := make(map[string]FileReport)
	for _, f := range report.Files {
		byName[f.File] = f
	}
	good, ok := byName[path+"!good.qif"]
	if !ok {
		t.Fatalf("missing report for good member; got %v", byName)
	}
	if good.Err != nil || good.Inserted != 2 {
		t.Errorf("good member = err %v, inserted %d; want nil/2", good.Err, good.Inserted)
	}
	broken := byName[path+"!broken.qif"]
	if broken.Err == nil {
		t.Error("broken member imported without error")
	}
	var recErr *parser.MalformedRecordError
	if !errors.As(broken.Err, &recErr) {
		t.Errorf("broken member error = %v, want MalformedRecordError", broken.Err)
	}
}

func TestImportFiles_UnreadableFileIsIsolated(t *testing.T) {
	p, _ := newTestPipeline(t, &capturePoster{}, Options{JournalID: "checking"})
	dir := t.TempDir()
	good := writeFixture(t, dir, "register.qif", qifFixture)
	missing := filepath.Join(dir, "missing.qif")

	report := p.ImportFiles(context.Background(), []string{missing, good})
	if len(report.Files) != 2 {
		t.Fatalf("Files = %d, want 2", len(report.Files))
	}
	if report.Files[0].Err == nil {
		t.Error("missing file imported without error")
	}
	if report.Files[1].Err != nil {
		t.Errorf("good file failed: %v", report.Files[1].Err)
	}
	_, inserted, _, _ := report.Totals()
	if inserted != 2 {
		t.Errorf("Totals inserted = %d, want 2", inserted)
	}
}

func TestImportBytes_UnrecognizedPayload(t *testing.T) {
	p, _ := newTestPipeline(t, &capturePoster{}, Options{JournalID: "checking"})
	report := p.ImportBytes(context.Background(), "garbage.bin", []byte{0x00, 0x01, 0x02})
	if len(report.Files) != 1 || report.Files[0].Err == nil {
		t.Fatalf("report = %+v, want one failed file", report.Files)
	}
	var noMatch *parser.NoMatchingFormatError
	if !errors.As(report.Files[0].Err, &noMatch) {
		t.Errorf("error = %v, want NoMatchingFormatError", report.Files[0].Err)
	}
}

func TestNew_Validation(t *testing.T) {
	reg, err := registry.New(zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	store, err := dedup.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := New(nil, store, nil, zerolog.Nop(), Options{JournalID: "j"}); err == nil {
		t.Error("nil registry accepted")
	}
	if _, err := New(reg, store, nil, zerolog.Nop(), Options{}); err == nil {
		t.Error("empty journal id accepted")
	}
	if _, err := New(reg, nil, nil, zerolog.Nop(), Options{JournalID: "j"}); err == nil {
		t.Error("nil store accepted outside dry-run")
	}
	if _, err := New(reg, nil, nil, zerolog.Nop(), Options{JournalID: "j", DryRun: true}); err != nil {
		t.Errorf("dry-run pipeline without store rejected: %v", err)
	}
}
