package document

import (
	"errors"
	"reflect"
	"testing"
)

func TestFromJSONDefaultsToSingleElementPath(t *testing.T) {
	doc, err := FromJSON(map[string]any{
		"_id":   "roadside",
		"_rev":  "1-a",
		"trees": 40,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.ID != "roadside" || doc.RevNum != 1 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if !reflect.DeepEqual(doc.Path, []string{"a"}) {
		t.Fatalf("expected path [a], got %v", doc.Path)
	}
	if doc.Body["trees"] != 40 {
		t.Fatalf("expected body to keep trees, got %v", doc.Body)
	}
	if _, reserved := doc.Body["_rev"]; reserved {
		t.Fatalf("reserved fields must be stripped from the body")
	}
}

func TestFromJSONUsesRevisionsBlock(t *testing.T) {
	doc, err := FromJSON(map[string]any{
		"_id":  "roadside",
		"_rev": "2-e",
		"_revisions": map[string]any{
			"start": float64(2),
			"ids":   []any{"e", "a"},
		},
		"trees": 41,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.RevNum != 2 || !reflect.DeepEqual(doc.Path, []string{"e", "a"}) {
		t.Fatalf("unexpected revisions: %+v", doc)
	}
}

func TestFromJSONRejectsMismatchedRevisions(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"start mismatch", map[string]any{
			"_id": "x", "_rev": "2-e",
			"_revisions": map[string]any{"start": float64(3), "ids": []any{"e", "a"}},
		}},
		{"token mismatch", map[string]any{
			"_id": "x", "_rev": "2-e",
			"_revisions": map[string]any{"start": float64(2), "ids": []any{"f", "a"}},
		}},
		{"empty ids", map[string]any{
			"_id": "x", "_rev": "2-e",
			"_revisions": map[string]any{"start": float64(2), "ids": []any{}},
		}},
		{"missing rev", map[string]any{"_id": "x"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromJSON(tc.raw); !errors.Is(err, ErrInvalidRevisions) {
				t.Fatalf("expected ErrInvalidRevisions, got %v", err)
			}
		})
	}
}

func TestFromJSONRejectsMissingID(t *testing.T) {
	if _, err := FromJSON(map[string]any{"_rev": "1-a"}); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestFromJSONDeletedBecomesTombstone(t *testing.T) {
	doc, err := FromJSON(map[string]any{
		"_id":      "roadside",
		"_rev":     "3-b",
		"_deleted": true,
		"trees":    41,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !doc.Deleted() {
		t.Fatalf("expected a tombstone")
	}
}

func TestFromJSONLocalDocumentSkipsRevisionHandling(t *testing.T) {
	doc, err := FromJSON(map[string]any{
		"_id":   "_local/checkpoint",
		"state": "ok",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !doc.IsLocal() || doc.RevNum != 0 || doc.Path != nil {
		t.Fatalf("unexpected local document: %+v", doc)
	}
	if doc.Body["state"] != "ok" {
		t.Fatalf("expected body to survive, got %v", doc.Body)
	}
}

func TestToJSONReconstructsWireShape(t *testing.T) {
	doc := Document{
		ID:     "roadside",
		RevNum: 2,
		Path:   []string{"e", "a"},
		Body:   map[string]any{"trees": 41},
	}

	withPath := ToJSON(doc, true)
	if withPath["_id"] != "roadside" || withPath["_rev"] != "2-e" {
		t.Fatalf("unexpected wire shape: %v", withPath)
	}
	revisions, ok := withPath["_revisions"].(map[string]any)
	if !ok {
		t.Fatalf("expected a _revisions block, got %v", withPath)
	}
	if revisions["start"] != 2 || !reflect.DeepEqual(revisions["ids"], []any{"e", "a"}) {
		t.Fatalf("unexpected _revisions: %v", revisions)
	}

	withoutPath := ToJSON(doc, false)
	if _, present := withoutPath["_revisions"]; present {
		t.Fatalf("_revisions must only appear when the path was requested")
	}
}

func TestToJSONTombstoneCarriesNoBodyFields(t *testing.T) {
	doc := Document{ID: "roadside", RevNum: 3, Path: []string{"b", "6", "a"}}
	encoded := ToJSON(doc, false)
	if encoded["_deleted"] != true {
		t.Fatalf("expected _deleted, got %v", encoded)
	}
	if len(encoded) != 3 { // _id, _rev, _deleted
		t.Fatalf("tombstone must not carry body fields: %v", encoded)
	}
}

func TestToJSONRoundTripsThroughFromJSON(t *testing.T) {
	original := Document{
		ID:     "roadside",
		RevNum: 3,
		Path:   []string{"5", "e", "a"},
		Body:   map[string]any{"trees": 42},
	}
	decoded, err := FromJSON(ToJSON(original, true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round trip changed the document:\n%+v\n%+v", original, decoded)
	}
}

func TestLocalDocumentToJSONUsesSyntheticRev(t *testing.T) {
	encoded := ToJSON(Document{ID: "_local/checkpoint", Body: map[string]any{"n": 1}}, true)
	if encoded["_rev"] != "0-1" {
		t.Fatalf("expected synthetic rev 0-1, got %v", encoded["_rev"])
	}
	if _, present := encoded["_revisions"]; present {
		t.Fatalf("local documents never carry _revisions")
	}
}
