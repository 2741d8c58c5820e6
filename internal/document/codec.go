package document

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/quill/internal/revtree"
)

var (
	// ErrMissingID indicates a wire document without an _id field.
	ErrMissingID = errors.New("document: missing _id")
	// ErrInvalidRevisions indicates that the _rev and _revisions fields of a
	// wire document are absent, ill-formed or contradict each other.
	ErrInvalidRevisions = errors.New("document: invalid _revisions")
)

// reserved fields are stripped from the body on parse and reconstructed on
// encode.
var reservedFields = [...]string{"_id", "_rev", "_revisions", "_deleted"}

// FromJSON converts a decoded CouchDB JSON object into a Document. The _rev
// field is required for regular documents; _revisions, when present, must
// agree with it on the leaf revision. A _deleted:true document becomes a
// tombstone (nil body), also for local documents.
func FromJSON(raw map[string]any) (Document, error) {
	id, ok := raw["_id"].(string)
	if !ok || id == "" {
		return Document{}, ErrMissingID
	}

	deleted, _ := raw["_deleted"].(bool)
	body := bodyFields(raw)
	if deleted {
		body = nil
	}

	if IsLocalID(id) {
		return Document{ID: id, Body: body}, nil
	}

	rawRev, ok := raw["_rev"].(string)
	if !ok {
		return Document{}, fmt.Errorf("%w: missing _rev for %q", ErrInvalidRevisions, id)
	}
	leaf, err := revtree.ParseRevision(rawRev)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %w", ErrInvalidRevisions, err)
	}

	path := []string{leaf.Token}
	revNum := leaf.Gen
	if rawRevisions, present := raw["_revisions"]; present {
		revNum, path, err = parseRevisions(rawRevisions, leaf)
		if err != nil {
			return Document{}, err
		}
	}

	return Document{ID: id, RevNum: revNum, Path: path, Body: body}, nil
}

func parseRevisions(raw any, leaf revtree.Revision) (int, []string, error) {
	revisions, ok := raw.(map[string]any)
	if !ok {
		return 0, nil, fmt.Errorf("%w: not an object", ErrInvalidRevisions)
	}
	start, ok := asInt(revisions["start"])
	if !ok {
		return 0, nil, fmt.Errorf("%w: bad start", ErrInvalidRevisions)
	}
	rawIDs, ok := revisions["ids"].([]any)
	if !ok || len(rawIDs) == 0 {
		return 0, nil, fmt.Errorf("%w: bad ids", ErrInvalidRevisions)
	}
	path := make([]string, len(rawIDs))
	for i, rawToken := range rawIDs {
		token, ok := rawToken.(string)
		if !ok || token == "" {
			return 0, nil, fmt.Errorf("%w: bad token at %d", ErrInvalidRevisions, i)
		}
		path[i] = token
	}
	if start != leaf.Gen || path[0] != leaf.Token {
		return 0, nil, fmt.Errorf("%w: _rev %s does not match start %d-%s",
			ErrInvalidRevisions, leaf, start, path[0])
	}
	return start, path, nil
}

// ToJSON converts a Document back into the CouchDB wire shape. includePath
// adds the _revisions block; it is ignored for local documents, whose
// revision is the fixed "0-1".
func ToJSON(doc Document, includePath bool) map[string]any {
	out := make(map[string]any, len(doc.Body)+3)
	for key, value := range doc.Body {
		out[key] = value
	}
	out["_id"] = doc.ID

	if doc.IsLocal() {
		out["_rev"] = "0-1"
		if doc.Deleted() {
			out["_deleted"] = true
		}
		return out
	}

	out["_rev"] = doc.LeafRev().String()
	if doc.Deleted() {
		out["_deleted"] = true
	}
	if includePath {
		ids := make([]any, len(doc.Path))
		for i, token := range doc.Path {
			ids[i] = token
		}
		out["_revisions"] = map[string]any{"start": doc.RevNum, "ids": ids}
	}
	return out
}

func bodyFields(raw map[string]any) map[string]any {
	body := make(map[string]any, len(raw))
	for key, value := range raw {
		body[key] = value
	}
	for _, field := range reservedFields {
		delete(body, field)
	}
	return body
}

func asInt(raw any) (int, bool) {
	switch value := raw.(type) {
	case float64:
		return int(value), true
	case int:
		return value, true
	case int64:
		return int(value), true
	}
	return 0, false
}
