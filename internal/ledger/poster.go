// Package ledger is the boundary to the accounting system. The import
// pipeline hands finalized statements to a Poster; the JSON poster in
// this package writes them out as a document another system can ingest.
package ledger

import (
	"context"

	"github.com/rumor-ml/commons.systems/bankstmt/internal/statement"
)

// Poster receives finalized statements for a journal. Implementations
// must tolerate being called once per statement or once per batch.
type Poster interface {
	// Post books the statements into the journal and returns the names
	// of the statements actually created.
	Post(ctx context.Context, journalID string, statements []statement.Statement) ([]string, error)
}

// PosterFunc adapts a function to the Poster interface.
type PosterFunc func(ctx context.Context, journalID string, statements []statement.Statement) ([]string, error)

func (f PosterFunc) Post(ctx context.Context, journalID string, statements []statement.Statement) ([]string, error) {
	return f(ctx, journalID, statements)
}

// Discard is a Poster that accepts everything and books nothing, for
// dry runs.
var Discard Poster = PosterFunc(func(_ context.Context, _ string, statements []statement.Statement) ([]string, error) {
	names := make([]string, len(statements))
	for i, st := range statements {
		names[i] = st.Name
	}
	return names, nil
})
