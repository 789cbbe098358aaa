package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

func sampleStatement(name string) statement.Statement {
	return statement.Statement{
		Name:            name,
		Date:            time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		AccountNumber:   "NL34RABO0142623393",
		CurrencyCode:    "EUR",
		BalanceStart:    decimal.RequireFromString("4433.52"),
		BalanceEndReal:  decimal.RequireFromString("4798.91"),
		HasBalanceStart: true,
		HasBalanceEnd:   true,
		Transactions: []statement.Transaction{
			{
				Date:             time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
				Amount:           decimal.RequireFromString("400.00"),
				PaymentReference: "Factuur 4083",
				CounterpartyName: "Other Party",
				UniqueImportID:   "01122936-0000456",
			},
			{
				Date:             time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
				Amount:           decimal.RequireFromString("-34.61"),
				PaymentReference: "Afsluitprovisie",
				OriginalAmount:   decimal.RequireFromString("-38.00"),
				OriginalCurrency: "USD",
				UniqueImportID:   "fee-1",
			},
		},
	}
}

func readDocument(t *testing.T, path string) Document {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func TestJSONPoster_WritesDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	poster := NewJSONPoster(path, false)
	poster.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	names, err := poster.Post(context.Background(), "checking", []statement.Statement{sampleStatement("RABO/1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"RABO/1"}, names)

	doc := readDocument(t, path)
	assert.Equal(t, 1, doc.Version)
	journal := doc.Journals["checking"]
	require.NotNil(t, journal)
	require.Len(t, journal.Statements, 1)

	st := journal.Statements[0]
	assert.Equal(t, "2024-01-02", st.Date)
	require.NotNil(t, st.BalanceStart)
	assert.Equal(t, "4433.52", *st.BalanceStart)
	require.NotNil(t, st.BalanceEnd)
	assert.Equal(t, "4798.91", *st.BalanceEnd)

	require.Len(t, st.Transactions, 2)
	assert.Equal(t, "400.00", st.Transactions[0].Amount, "amounts must be strings, never floats")
	assert.Empty(t, st.Transactions[0].OriginalCurrency)
	assert.Equal(t, "-38.00", st.Transactions[1].OriginalAmount)
	assert.Equal(t, "USD", st.Transactions[1].OriginalCurrency)
}

func TestJSONPoster_OmitsUndeclaredBalances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	st := sampleStatement("NOBAL/1")
	st.HasBalanceStart = false
	st.HasBalanceEnd = false

	_, err := NewJSONPoster(path, false).Post(context.Background(), "checking", []statement.Statement{st})
	require.NoError(t, err)

	got := readDocument(t, path).Journals["checking"].Statements[0]
	assert.Nil(t, got.BalanceStart)
	assert.Nil(t, got.BalanceEnd)
}

func TestJSONPoster_OverwriteDropsOldContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	poster := NewJSONPoster(path, false)
	ctx := context.Background()

	_, err := poster.Post(ctx, "checking", []statement.Statement{sampleStatement("OLD/1")})
	require.NoError(t, err)
	_, err = poster.Post(ctx, "savings", []statement.Statement{sampleStatement("NEW/1")})
	require.NoError(t, err)

	doc := readDocument(t, path)
	assert.Nil(t, doc.Journals["checking"], "overwrite mode must not keep the previous journal")
	assert.NotNil(t, doc.Journals["savings"])
}

func TestJSONPoster_MergeAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	poster := NewJSONPoster(path, true)
	ctx := context.Background()

	_, err := poster.Post(ctx, "checking", []statement.Statement{sampleStatement("RABO/1")})
	require.NoError(t, err)
	_, err = poster.Post(ctx, "checking", []statement.Statement{sampleStatement("RABO/2")})
	require.NoError(t, err)
	_, err = poster.Post(ctx, "savings", []statement.Statement{sampleStatement("ING/1")})
	require.NoError(t, err)

	doc := readDocument(t, path)
	assert.Len(t, doc.Journals["checking"].Statements, 2)
	assert.Len(t, doc.Journals["savings"].Statements, 1)
}

func TestJSONPoster_MergeWithMissingFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	_, err := NewJSONPoster(path, true).Post(context.Background(), "checking", []statement.Statement{sampleStatement("RABO/1")})
	require.NoError(t, err)
	assert.NotNil(t, readDocument(t, path).Journals["checking"])
}

func TestJSONPoster_MergeRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewJSONPoster(path, true).Post(context.Background(), "checking", []statement.Statement{sampleStatement("RABO/1")})
	assert.Error(t, err, "must fail rather than overwrite an unreadable export")
}

func TestDiscard_ReturnsNames(t *testing.T) {
	names, err := Discard.Post(context.Background(), "checking", []statement.Statement{
		sampleStatement("A/1"), sampleStatement("A/2"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A/1", "A/2"}, names)
}
