package storage

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/MarcoPoloResearchLab/quill/internal/document"
	"github.com/MarcoPoloResearchLab/quill/internal/revtree"
)

// Change is one row of the change feed: the document, the sequence assigned
// at its most recent write, whether the winning branch is a tombstone, and
// the leaf revision of every branch in ascending revision order.
type Change struct {
	ID       string
	Seq      int64
	Deleted  bool
	LeafRevs []string
}

// BuildChange assembles a change row from a document's revision tree. It is
// shared by every backend that stores trees, whatever the index behind it.
func BuildChange(id string, seq int64, tree *revtree.Tree, winnerIdx int) Change {
	leafRevs := make([]string, tree.Len())
	for i := 0; i < tree.Len(); i++ {
		leafRevs[i] = tree.Branch(i).LeafRev().String()
	}
	return Change{
		ID:       id,
		Seq:      seq,
		Deleted:  tree.Branch(winnerIdx).Deleted(),
		LeafRevs: leafRevs,
	}
}

// SelectDocs resolves a read spec against a revision tree: the winning
// branch, every leaf, or each branch containing one of the requested
// revisions.
func SelectDocs(id string, tree *revtree.Tree, winnerIdx int, spec document.RevsSpec) []document.Document {
	var docs []document.Document
	switch {
	case spec.Winner():
		docs = append(docs, branchDoc(id, tree.Branch(winnerIdx)))
	case spec.All:
		for _, branch := range tree.Branches() {
			docs = append(docs, branchDoc(id, branch))
		}
	default:
		for _, rev := range spec.Revs {
			for _, branch := range tree.Find(rev) {
				docs = append(docs, branchDoc(id, branch))
			}
		}
	}
	return docs
}

func branchDoc(id string, branch revtree.Branch) document.Document {
	return document.Document{
		ID:     id,
		RevNum: branch.LeafGen,
		Path:   branch.Path,
		Body:   branch.Body,
	}
}

// MissingRevs returns the subset of revs absent from the tree, sorted and
// deduplicated. A nil tree misses everything.
func MissingRevs(tree *revtree.Tree, revs []string) []string {
	requested := mapset.NewThreadUnsafeSet(revs...)
	if tree != nil {
		for _, rev := range tree.AllRevisions() {
			requested.Remove(rev.String())
		}
	}

	missing := requested.ToSlice()
	sort.Strings(missing)
	return missing
}
