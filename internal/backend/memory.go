package backend

import (
	"context"

	"github.com/MarcoPoloResearchLab/quill/internal/document"
	"github.com/MarcoPoloResearchLab/quill/internal/storage"
)

// Memory adapts the synchronous in-memory store to the Database contract.
// The store's own mutations are atomic, so the adapter only has to translate
// method calls into streams and hook the change feed onto the store's write
// notifier.
type Memory struct {
	store *storage.Store
}

// NewMemory wraps an existing store.
func NewMemory(store *storage.Store) *Memory {
	return &Memory{store: store}
}

// Store exposes the underlying synchronous store.
func (m *Memory) Store() *storage.Store {
	return m.store
}

// ID implements Database.
func (m *Memory) ID(ctx context.Context) (string, error) {
	return m.store.ID(), nil
}

// UpdateSeq implements Database. An in-memory store always exists.
func (m *Memory) UpdateSeq(ctx context.Context) (int64, error) {
	return m.store.UpdateSeq(), nil
}

// RevsLimit implements Database.
func (m *Memory) RevsLimit(ctx context.Context) (int, error) {
	return m.store.RevsLimit(), nil
}

// SetRevsLimit implements Database.
func (m *Memory) SetRevsLimit(ctx context.Context, limit int) error {
	return m.store.SetRevsLimit(limit)
}

// Create implements Database; an in-memory store exists from construction.
func (m *Memory) Create(ctx context.Context) error {
	return nil
}

// EnsureFullCommit implements Database; volatile stores have nothing to
// flush.
func (m *Memory) EnsureFullCommit(ctx context.Context) error {
	return nil
}

// Changes implements Database. In continuous mode the feed drains the log,
// parks on the store's write notifier and re-queries from the last emitted
// sequence, so coalesced notifications never lose a change.
func (m *Memory) Changes(ctx context.Context, since int64, continuous bool) <-chan ChangeResult {
	out := make(chan ChangeResult)
	go func() {
		defer close(out)
		for {
			latch := m.store.Updates()
			for _, change := range m.store.Changes(since) {
				since = change.Seq
				if !emit(ctx, out, ChangeResult{Change: change}) {
					return
				}
			}
			if !continuous {
				return
			}
			select {
			case <-latch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// RevsDiff implements Database.
func (m *Memory) RevsDiff(ctx context.Context, requests <-chan RevsDiffRequest) <-chan RevsDiffResult {
	out := make(chan RevsDiffResult)
	go func() {
		defer close(out)
		for request := range requests {
			result := RevsDiffResult{
				ID:      request.ID,
				Missing: m.store.RevsDiff(request.ID, request.Revs),
			}
			if !emit(ctx, out, result) {
				return
			}
		}
	}()
	return out
}

// Read implements Database. Missing ids become in-band results so the
// consumer can keep pulling.
func (m *Memory) Read(ctx context.Context, requests <-chan ReadRequest, includePath bool) <-chan ReadResult {
	out := make(chan ReadResult)
	go func() {
		defer close(out)
		for request := range requests {
			docs, err := m.store.Read(request.ID, request.Revs)
			if err != nil {
				if !emit(ctx, out, ReadResult{Err: err}) {
					return
				}
				continue
			}
			for _, doc := range docs {
				if !includePath && !doc.IsLocal() {
					doc.Path = doc.Path[:1]
				}
				if !emit(ctx, out, ReadResult{Doc: doc}) {
					return
				}
			}
		}
	}()
	return out
}

// Write implements Database; only failures are reported.
func (m *Memory) Write(ctx context.Context, docs <-chan document.Document) <-chan error {
	out := make(chan error)
	go func() {
		defer close(out)
		for doc := range docs {
			if err := m.store.Write(doc); err != nil {
				if !emit(ctx, out, err) {
					return
				}
			}
		}
	}()
	return out
}
