package revtree

import (
	"fmt"
	"sort"
)

// Branch is one leaf of a document's revision history plus its known ancestor
// chain. Path holds revision tokens leaf first: the generation of Path[i] is
// LeafGen - i. Revision pruning may have truncated the tail, so the earliest
// known ancestor is not necessarily generation 1.
//
// A nil Body marks a tombstone: the branch ends in a deletion.
type Branch struct {
	LeafGen int
	Path    []string
	Body    map[string]any
}

// Index converts a generation number to an index into Path. The result is
// only valid when 0 <= index < len(Path).
func (b Branch) Index(gen int) int {
	return b.LeafGen - gen
}

// Rev returns the revision at the given generation on this branch. The
// generation must be covered by Path.
func (b Branch) Rev(gen int) Revision {
	return Revision{Gen: gen, Token: b.Path[b.Index(gen)]}
}

// LeafRev returns the branch's leaf revision.
func (b Branch) LeafRev() Revision {
	return Revision{Gen: b.LeafGen, Token: b.Path[0]}
}

// Deleted reports whether the branch leaf is a tombstone.
func (b Branch) Deleted() bool {
	return b.Body == nil
}

// Tree holds every known branch of a single document, sorted ascending by
// leaf revision. A tree like
//
//	1-c -> 2-e -> 3-f
//	    -> 2-d
//	3-a -> 4-b
//
// is stored as
//
//	[]Branch{
//		{LeafGen: 2, Path: ["d", "c"]},
//		{LeafGen: 3, Path: ["f", "e", "c"]},
//		{LeafGen: 4, Path: ["b", "a"]},
//	}
//
// Keeping the highest leaf revisions last simplifies winner determination.
type Tree struct {
	branches []Branch
}

// NewTree builds a tree from previously stored branches. The branches are
// re-sorted by leaf revision, so callers may supply them in any order.
func NewTree(branches []Branch) *Tree {
	tree := &Tree{branches: branches}
	sort.Slice(tree.branches, func(i, j int) bool {
		return tree.branches[i].LeafRev().Less(tree.branches[j].LeafRev())
	})
	return tree
}

// Len returns the number of branches.
func (t *Tree) Len() int {
	return len(t.branches)
}

// Branch returns the branch at the given ascending-order index.
func (t *Tree) Branch(i int) Branch {
	return t.branches[i]
}

// Merge inserts a revision path into the tree. gen is the generation of the
// incoming leaf and path its token chain, leaf first. A nil body records a
// tombstone. Merging is idempotent: a path that is already covered by the
// tree leaves it untouched, whatever the body.
//
// Malformed input (gen < 1, empty path, revsLimit < 1) is a programmer error
// and panics.
func (t *Tree) Merge(gen int, path []string, body map[string]any, revsLimit int) {
	if gen < 1 || len(path) == 0 {
		panic(fmt.Sprintf("revtree: malformed revision path (gen=%d, len=%d)", gen, len(path)))
	}
	if revsLimit < 1 {
		panic(fmt.Sprintf("revtree: revs limit must be positive, got %d", revsLimit))
	}

	for i := len(t.branches) - 1; i >= 0; i-- {
		branch := t.branches[i]

		// already known? E.g. the branch is 5-["e","d","c"] and the
		// incoming path 3-["c","b","a"].
		j := branch.Index(gen)
		if 0 <= j && j < len(branch.Path) && branch.Path[j] == path[0] {
			return
		}

		// extends an existing leaf? E.g. the branch is 3-["c","b","a"]
		// and the incoming path 5-["e","d","c","b"].
		k := gen - branch.LeafGen
		if 0 <= k && k < len(path) && path[k] == branch.Path[0] {
			fullPath := make([]string, 0, k+len(branch.Path))
			fullPath = append(fullPath, path[:k]...)
			fullPath = append(fullPath, branch.Path...)
			t.branches = append(t.branches[:i], t.branches[i+1:]...)
			t.insertBranch(gen, fullPath, body, revsLimit)
			return
		}
	}

	t.insertAsNewBranch(gen, path, body, revsLimit)
}

// insertAsNewBranch splices the incoming path onto the first branch (in
// descending leaf order) that shares a common revision, or inserts it
// unchanged when no shared history exists.
func (t *Tree) insertAsNewBranch(gen int, path []string, body map[string]any, revsLimit int) {
	for i := len(t.branches) - 1; i >= 0; i-- {
		branch := t.branches[i]

		startBranchGen := branch.LeafGen + 1 - len(branch.Path)
		startDocGen := gen + 1 - len(path)
		commonGen := max(startBranchGen, startDocGen)

		branchIdx := branch.Index(commonGen)
		docIdx := gen - commonGen

		ok := 0 <= branchIdx && branchIdx < len(branch.Path) &&
			0 <= docIdx && docIdx < len(path) &&
			branch.Path[branchIdx] == path[docIdx]
		if ok {
			fullPath := make([]string, 0, docIdx+len(branch.Path)-branchIdx)
			fullPath = append(fullPath, path[:docIdx]...)
			fullPath = append(fullPath, branch.Path[branchIdx:]...)
			t.insertBranch(gen, fullPath, body, revsLimit)
			return
		}
	}

	t.insertBranch(gen, append([]string(nil), path...), body, revsLimit)
}

// insertBranch prunes the path to revsLimit entries and inserts the branch at
// the position that keeps the tree sorted by leaf revision.
func (t *Tree) insertBranch(gen int, fullPath []string, body map[string]any, revsLimit int) {
	if len(fullPath) > revsLimit {
		fullPath = fullPath[:revsLimit]
	}

	branch := Branch{LeafGen: gen, Path: fullPath, Body: body}
	key := branch.LeafRev()
	i := sort.Search(len(t.branches), func(i int) bool {
		return key.Less(t.branches[i].LeafRev())
	})

	t.branches = append(t.branches, Branch{})
	copy(t.branches[i+1:], t.branches[i:])
	t.branches[i] = branch
}

// WinnerIndex returns the index of the winning branch: the one with the
// highest leaf revision that is not a tombstone, or the highest leaf
// revision outright when every branch is a tombstone. It must not be called
// on an empty tree.
func (t *Tree) WinnerIndex() int {
	for i := len(t.branches) - 1; i >= 0; i-- {
		if !t.branches[i].Deleted() {
			return i
		}
	}
	return len(t.branches) - 1
}

// Branches returns the branches with the highest leaf revision first.
func (t *Tree) Branches() []Branch {
	reversed := make([]Branch, len(t.branches))
	for i, branch := range t.branches {
		reversed[len(t.branches)-1-i] = branch
	}
	return reversed
}

// Find returns every branch whose path contains the given revision, highest
// leaf revision first.
func (t *Tree) Find(rev Revision) []Branch {
	var found []Branch
	for _, branch := range t.Branches() {
		i := branch.Index(rev.Gen)
		if 0 <= i && i < len(branch.Path) && branch.Path[i] == rev.Token {
			found = append(found, branch)
		}
	}
	return found
}

// AllRevisions returns every revision reachable in the tree, leaf first per
// branch, highest-leaf branch first. A revision shared by several branches is
// returned once per branch.
func (t *Tree) AllRevisions() []Revision {
	var revs []Revision
	for _, branch := range t.Branches() {
		for i := range branch.Path {
			revs = append(revs, branch.Rev(branch.LeafGen-i))
		}
	}
	return revs
}
