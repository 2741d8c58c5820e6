// Package backend defines the narrow query/mutate contract every database
// backend exposes, and its in-memory, sqlite and remote implementations. The
// replicator drives convergence purely through this interface.
package backend

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/quill/internal/document"
	"github.com/MarcoPoloResearchLab/quill/internal/storage"
)

// Change is one change-feed row, re-exported from the storage layer so that
// remote feeds and local feeds share a single currency.
type Change = storage.Change

// ChangeResult carries one feed row or the error that ended the feed.
type ChangeResult struct {
	Change Change
	Err    error
}

// RevsDiffRequest asks which of the given revisions of a document are
// unknown to the backend.
type RevsDiffRequest struct {
	ID   string
	Revs []string
}

// RevsDiffResult lists the revisions the backend is missing. Err is set on
// transport failure; the stream ends after an errored item.
type RevsDiffResult struct {
	ID      string
	Missing []string
	Err     error
}

// ReadRequest asks for one or more versions of a document.
type ReadRequest struct {
	ID   string
	Revs document.RevsSpec
}

// ReadResult carries one document version, or an in-band error. A missing id
// produces exactly one result wrapping storage.ErrNotFound; the consumer may
// keep pulling.
type ReadResult struct {
	Doc document.Document
	Err error
}

// TransportError wraps an I/O failure while talking to a remote backend.
// Unlike in-band per-document errors, a transport error ends its stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Database is the six-operation contract shared by every backend. All stream
// channels are unbuffered: the producer advances only as the consumer pulls,
// and cancelling the context tears down the stream. Consumers must cancel
// the context when abandoning a stream early.
type Database interface {
	// ID returns the backend's stable identity string.
	ID(ctx context.Context) (string, error)
	// UpdateSeq returns the current update sequence. It reports
	// storage.ErrNotFound when the backing database does not exist.
	UpdateSeq(ctx context.Context) (int64, error)
	// RevsLimit returns the per-branch ancestor bound.
	RevsLimit(ctx context.Context) (int, error)
	// SetRevsLimit changes the per-branch ancestor bound.
	SetRevsLimit(ctx context.Context, limit int) error
	// Create creates the backing database where that is meaningful; it is a
	// no-op for backends that always exist.
	Create(ctx context.Context) error
	// EnsureFullCommit is a durability barrier; a no-op for volatile
	// backends.
	EnsureFullCommit(ctx context.Context) error
	// Changes streams change rows with sequence greater than since. In
	// continuous mode the stream never drains; it ends only on context
	// cancellation.
	Changes(ctx context.Context, since int64, continuous bool) <-chan ChangeResult
	// RevsDiff answers, per request, which revisions are unknown here.
	RevsDiff(ctx context.Context, requests <-chan RevsDiffRequest) <-chan RevsDiffResult
	// Read yields the requested document versions in request order. With
	// includePath the results carry the full known ancestor chain, and a
	// reconstructed _revisions block at the wire level.
	Read(ctx context.Context, requests <-chan ReadRequest, includePath bool) <-chan ReadResult
	// Write applies documents in order and yields one error per failed
	// write; successful writes are silent.
	Write(ctx context.Context, docs <-chan document.Document) <-chan error
}
