package backend

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quill/internal/document"
	"github.com/MarcoPoloResearchLab/quill/internal/storage"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	return NewMemory(storage.NewStore(storage.StoreConfig{ID: "test"}))
}

func writeDocs(t *testing.T, db Database, docs ...document.Document) {
	t.Helper()
	ctx := context.Background()
	in := make(chan document.Document, len(docs))
	for _, doc := range docs {
		in <- doc
	}
	close(in)
	for err := range db.Write(ctx, in) {
		t.Fatalf("unexpected write failure: %v", err)
	}
}

func drainChanges(t *testing.T, db Database, since int64) []Change {
	t.Helper()
	var changes []Change
	for result := range db.Changes(context.Background(), since, false) {
		if result.Err != nil {
			t.Fatalf("unexpected feed error: %v", result.Err)
		}
		changes = append(changes, result.Change)
	}
	return changes
}

func TestMemoryChangesOneShot(t *testing.T) {
	db := newTestMemory(t)
	writeDocs(t, db,
		document.Document{ID: "a", RevNum: 1, Path: []string{"x"}, Body: map[string]any{}},
		document.Document{ID: "b", RevNum: 1, Path: []string{"y"}, Body: map[string]any{}},
	)

	changes := drainChanges(t, db, 0)
	if len(changes) != 2 || changes[0].ID != "a" || changes[1].ID != "b" {
		t.Fatalf("unexpected feed: %v", changes)
	}

	if got := drainChanges(t, db, 2); len(got) != 0 {
		t.Fatalf("expected an empty feed past the last seq, got %v", got)
	}
}

func TestMemoryChangesContinuousResumesAfterWrite(t *testing.T) {
	db := newTestMemory(t)
	writeDocs(t, db, document.Document{ID: "a", RevNum: 1, Path: []string{"x"}, Body: map[string]any{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := db.Changes(ctx, 0, true)

	first := receiveChange(t, feed)
	if first.ID != "a" {
		t.Fatalf("expected the existing change first, got %+v", first)
	}

	// the feed is now parked on the notifier; a write must wake it
	writeDocs(t, db, document.Document{ID: "b", RevNum: 1, Path: []string{"y"}, Body: map[string]any{}})
	second := receiveChange(t, feed)
	if second.ID != "b" || second.Seq != 2 {
		t.Fatalf("expected the new change, got %+v", second)
	}

	cancel()
	for range feed {
	}
}

func receiveChange(t *testing.T, feed <-chan ChangeResult) Change {
	t.Helper()
	select {
	case result := <-feed:
		if result.Err != nil {
			t.Fatalf("unexpected feed error: %v", result.Err)
		}
		return result.Change
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a change")
		return Change{}
	}
}

func TestMemoryRevsDiffStream(t *testing.T) {
	db := newTestMemory(t)
	writeDocs(t, db, document.Document{ID: "a", RevNum: 2, Path: []string{"b", "a"}, Body: map[string]any{}})

	requests := make(chan RevsDiffRequest, 2)
	requests <- RevsDiffRequest{ID: "a", Revs: []string{"2-b", "2-zz"}}
	requests <- RevsDiffRequest{ID: "unknown", Revs: []string{"1-q"}}
	close(requests)

	var results []RevsDiffResult
	for result := range db.RevsDiff(context.Background(), requests) {
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		results = append(results, result)
	}
	if len(results) != 2 {
		t.Fatalf("expected one result per request, got %d", len(results))
	}
	if !reflect.DeepEqual(results[0].Missing, []string{"2-zz"}) {
		t.Fatalf("unexpected missing set: %v", results[0].Missing)
	}
	if !reflect.DeepEqual(results[1].Missing, []string{"1-q"}) {
		t.Fatalf("unknown ids must miss everything: %v", results[1].Missing)
	}
}

func TestMemoryReadStreamsInBandErrors(t *testing.T) {
	db := newTestMemory(t)
	writeDocs(t, db, document.Document{ID: "a", RevNum: 1, Path: []string{"x"}, Body: map[string]any{"n": 1}})

	requests := make(chan ReadRequest, 3)
	requests <- ReadRequest{ID: "missing"}
	requests <- ReadRequest{ID: "a"}
	requests <- ReadRequest{ID: "also-missing"}
	close(requests)

	var results []ReadResult
	for result := range db.Read(context.Background(), requests, true) {
		results = append(results, result)
	}
	if len(results) != 3 {
		t.Fatalf("expected three results in request order, got %d", len(results))
	}
	if !errors.Is(results[0].Err, storage.ErrNotFound) {
		t.Fatalf("expected an in-band NotFound, got %v", results[0].Err)
	}
	if results[1].Err != nil || results[1].Doc.ID != "a" {
		t.Fatalf("unexpected read result: %+v", results[1])
	}
	if !errors.Is(results[2].Err, storage.ErrNotFound) {
		t.Fatalf("the stream must continue after an error, got %+v", results[2])
	}
}

func TestMemoryReadTrimsPathWithoutIncludePath(t *testing.T) {
	db := newTestMemory(t)
	writeDocs(t, db, document.Document{ID: "a", RevNum: 3, Path: []string{"c", "b", "a"}, Body: map[string]any{}})

	requests := make(chan ReadRequest, 1)
	requests <- ReadRequest{ID: "a"}
	close(requests)

	for result := range db.Read(context.Background(), requests, false) {
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		if len(result.Doc.Path) != 1 {
			t.Fatalf("expected just the leaf token, got %v", result.Doc.Path)
		}
		if result.Doc.LeafRev().String() != "3-c" {
			t.Fatalf("trimming must keep the leaf revision, got %s", result.Doc.LeafRev())
		}
	}
}

func TestMemoryWriteReportsOnlyFailures(t *testing.T) {
	db := newTestMemory(t)
	docs := make(chan document.Document, 2)
	docs <- document.Document{ID: "ok", RevNum: 1, Path: []string{"x"}, Body: map[string]any{}}
	docs <- document.Document{ID: "bad", RevNum: 0, Path: nil, Body: map[string]any{}}
	close(docs)

	var failures []error
	for err := range db.Write(context.Background(), docs) {
		failures = append(failures, err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected exactly one failure, got %v", failures)
	}
	if !errors.Is(failures[0], document.ErrInvalidRevisions) {
		t.Fatalf("unexpected failure: %v", failures[0])
	}

	changes := drainChanges(t, db, 0)
	if len(changes) != 1 || changes[0].ID != "ok" {
		t.Fatalf("the valid document must still be written: %v", changes)
	}
}
