// Package document holds the typed document model shared by every backend,
// plus the codec that converts it to and from the CouchDB wire shape.
package document

import (
	"strings"

	"github.com/MarcoPoloResearchLab/quill/internal/revtree"
)

// LocalPrefix marks identifiers that bypass revision handling entirely.
// Local documents are plain key/value entries: they carry no revision tree,
// never show up in the change feed and are not replicated.
const LocalPrefix = "_local/"

// IsLocalID reports whether an identifier names a local document.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalPrefix)
}

// Document is one version of a document as it travels through read and write
// streams. For a regular document RevNum and Path describe the leaf revision
// and its known ancestor tokens (leaf first). For a local document RevNum is
// zero and Path is nil.
//
// A nil Body denotes a tombstone, or removal for a local document. A live
// document with no fields has a non-nil empty Body.
type Document struct {
	ID     string
	RevNum int
	Path   []string
	Body   map[string]any
}

// IsLocal reports whether the document is a local document.
func (d Document) IsLocal() bool {
	return IsLocalID(d.ID)
}

// Deleted reports whether the document is a tombstone.
func (d Document) Deleted() bool {
	return d.Body == nil
}

// LeafRev returns the document's leaf revision. It must not be called on a
// local document.
func (d Document) LeafRev() revtree.Revision {
	return revtree.Revision{Gen: d.RevNum, Token: d.Path[0]}
}

// RevsSpec selects which revisions of a document a read should produce. The
// zero value selects the winner; All selects every leaf including
// tombstones; a non-empty Revs selects each branch containing one of the
// listed revisions.
type RevsSpec struct {
	All  bool
	Revs []revtree.Revision
}

// Winner reports whether the spec selects only the winning branch.
func (s RevsSpec) Winner() bool {
	return !s.All && len(s.Revs) == 0
}
