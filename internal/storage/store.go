// Package storage implements the in-memory document store: revision trees
// indexed by document id, a sequence-indexed change log, and a local
// key/value area for documents that bypass revision handling.
package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/MarcoPoloResearchLab/quill/internal/document"
	"github.com/MarcoPoloResearchLab/quill/internal/revtree"
)

const defaultRevsLimit = 1000

var (
	// ErrNotFound indicates an unknown document id.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidRevsLimit indicates an attempt to set a non-positive
	// revisions limit.
	ErrInvalidRevsLimit = errors.New("storage: revs limit must be positive")
	// ErrLocalRead indicates a local document read that requested anything
	// but the winner.
	ErrLocalRead = errors.New("storage: local documents only support winner reads")
)

// docRecord is the per-id entry: the revision tree, the cached winner index
// and the sequence assigned at the most recent write.
type docRecord struct {
	tree      *revtree.Tree
	winnerIdx int
	lastSeq   int64
}

type seqEntry struct {
	seq int64
	id  string
}

// StoreConfig carries the optional knobs for NewStore.
type StoreConfig struct {
	// ID is the stable database identity. Defaults to a random uuid in its
	// canonical string form, which is a reasonable identity for a volatile
	// store.
	ID string
	// RevsLimit bounds the ancestor path kept per branch. Defaults to 1000.
	RevsLimit int
}

// Store is the synchronous in-memory store. All methods are safe for
// concurrent use; each mutation commits atomically under the store lock.
type Store struct {
	mu        sync.Mutex
	id        string
	updateSeq int64
	revsLimit int

	byID  map[string]*docRecord
	bySeq []seqEntry // ascending by seq, at most one entry per id
	local map[string]map[string]any

	notifier *Notifier
}

// NewStore constructs an empty store.
func NewStore(cfg StoreConfig) *Store {
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	revsLimit := cfg.RevsLimit
	if revsLimit == 0 {
		revsLimit = defaultRevsLimit
	}
	return &Store{
		id:        id,
		revsLimit: revsLimit,
		byID:      make(map[string]*docRecord),
		local:     make(map[string]map[string]any),
		notifier:  NewNotifier(),
	}
}

// ID returns the store's stable identity string.
func (s *Store) ID() string {
	return s.id
}

// UpdateSeq returns the sequence assigned at the most recent non-local
// write, starting at zero.
func (s *Store) UpdateSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSeq
}

// RevsLimit returns the current revisions limit.
func (s *Store) RevsLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revsLimit
}

// SetRevsLimit changes the revisions limit applied to subsequent writes.
func (s *Store) SetRevsLimit(limit int) error {
	if limit < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidRevsLimit, limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revsLimit = limit
	return nil
}

// Updates exposes the write-notification latch. The returned channel closes
// after the next non-local write commits; grab it before querying the change
// log.
func (s *Store) Updates() <-chan struct{} {
	return s.notifier.Wait()
}

// Write merges one document version into the store. Writing acts like
// CouchDB's _bulk_docs with new_edits=false: the caller supplies the
// revision, and conflicting versions accumulate as branches instead of
// failing.
func (s *Store) Write(doc document.Document) error {
	if doc.IsLocal() {
		s.writeLocal(doc)
		return nil
	}
	if doc.RevNum < 1 || len(doc.Path) == 0 {
		return fmt.Errorf("%w: rev %d with %d tokens", document.ErrInvalidRevisions,
			doc.RevNum, len(doc.Path))
	}

	s.mu.Lock()
	record, known := s.byID[doc.ID]
	if known {
		// drop the previous change-feed entry; the new write supersedes it
		s.dropSeqEntry(record.lastSeq)
	} else {
		record = &docRecord{tree: &revtree.Tree{}}
		s.byID[doc.ID] = record
	}

	record.tree.Merge(doc.RevNum, doc.Path, doc.Body, s.revsLimit)
	record.winnerIdx = record.tree.WinnerIndex()
	s.updateSeq++
	record.lastSeq = s.updateSeq
	s.bySeq = append(s.bySeq, seqEntry{seq: s.updateSeq, id: doc.ID})
	s.mu.Unlock()

	s.notifier.Notify()
	return nil
}

func (s *Store) writeLocal(doc document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Deleted() {
		delete(s.local, doc.ID)
	} else {
		s.local[doc.ID] = doc.Body
	}
}

func (s *Store) dropSeqEntry(seq int64) {
	i := sort.Search(len(s.bySeq), func(i int) bool {
		return s.bySeq[i].seq >= seq
	})
	if i < len(s.bySeq) && s.bySeq[i].seq == seq {
		s.bySeq = append(s.bySeq[:i], s.bySeq[i+1:]...)
	}
}

// Read returns the requested versions of a document. See
// document.RevsSpec for the selection modes. Local documents only support
// winner reads and yield the raw body under the synthetic revision "0-1".
func (s *Store) Read(id string, spec document.RevsSpec) ([]document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if document.IsLocalID(id) {
		if !spec.Winner() {
			return nil, ErrLocalRead
		}
		body, known := s.local[id]
		if !known {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return []document.Document{{ID: id, Body: body}}, nil
	}

	record, known := s.byID[id]
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return SelectDocs(id, record.tree, record.winnerIdx, spec), nil
}

// LocalIDs returns the ids of every local document, sorted.
func (s *Store) LocalIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.local))
	for id := range s.local {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Changes returns one change entry per document written after the given
// sequence, in ascending sequence order. A zero since yields the full feed.
func (s *Store) Changes(since int64) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := sort.Search(len(s.bySeq), func(i int) bool {
		return s.bySeq[i].seq > since
	})
	changes := make([]Change, 0, len(s.bySeq)-start)
	for _, entry := range s.bySeq[start:] {
		record := s.byID[entry.id]
		changes = append(changes, BuildChange(entry.id, entry.seq, record.tree, record.winnerIdx))
	}
	return changes
}

// RevsDiff returns the subset of the given revisions that the document's
// tree does not contain, sorted and deduplicated. For an unknown id every
// requested revision is missing.
func (s *Store) RevsDiff(id string, revs []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tree *revtree.Tree
	if record, known := s.byID[id]; known {
		tree = record.tree
	}
	return MissingRevs(tree, revs)
}
