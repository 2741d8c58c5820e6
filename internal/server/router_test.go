package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/quill/internal/backend"
	"github.com/MarcoPoloResearchLab/quill/internal/document"
	"github.com/MarcoPoloResearchLab/quill/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandler(t *testing.T) (http.Handler, *backend.Memory) {
	t.Helper()
	db := backend.NewMemory(storage.NewStore(storage.StoreConfig{ID: "test-db"}))
	handler, err := NewHTTPHandler(Dependencies{Database: db, Name: "quill"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return handler, db
}

func perform(t *testing.T, handler http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestWelcomeExposesUUID(t *testing.T) {
	handler, _ := newTestHandler(t)
	recorder := perform(t, handler, http.MethodGet, "/", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var welcome map[string]any
	decodeBody(t, recorder, &welcome)
	if welcome["uuid"] != "test-db" {
		t.Fatalf("unexpected welcome: %v", welcome)
	}
}

func TestInfoReportsUpdateSeq(t *testing.T) {
	handler, db := newTestHandler(t)
	if err := db.Store().Write(document.Document{
		ID: "a", RevNum: 1, Path: []string{"x"}, Body: map[string]any{},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	recorder := perform(t, handler, http.MethodGet, "/quill", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var info map[string]any
	decodeBody(t, recorder, &info)
	if info["db_name"] != "quill" || info["update_seq"] != float64(1) {
		t.Fatalf("unexpected info: %v", info)
	}
}

func TestCreateExistingDatabaseFails(t *testing.T) {
	handler, _ := newTestHandler(t)
	recorder := perform(t, handler, http.MethodPut, "/quill", nil)
	if recorder.Code != http.StatusPreconditionFailed {
		t.Fatalf("an in-memory database always exists, got %d", recorder.Code)
	}
}

func TestDocumentPutAndGet(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := perform(t, handler, http.MethodPut, "/quill/roadside?new_edits=false", map[string]any{
		"_rev":  "1-a",
		"trees": 40,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d (%s)", recorder.Code, recorder.Body.String())
	}

	recorder = perform(t, handler, http.MethodGet, "/quill/roadside?revs=true", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var doc map[string]any
	decodeBody(t, recorder, &doc)
	if doc["_rev"] != "1-a" || doc["trees"] != float64(40) {
		t.Fatalf("unexpected document: %v", doc)
	}
	if _, ok := doc["_revisions"]; !ok {
		t.Fatalf("revs=true must include _revisions: %v", doc)
	}
}

func TestDocumentPutRequiresNewEditsFalse(t *testing.T) {
	handler, _ := newTestHandler(t)
	recorder := perform(t, handler, http.MethodPut, "/quill/roadside", map[string]any{"_rev": "1-a"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without new_edits=false, got %d", recorder.Code)
	}
}

func TestDocumentGetUnknownID(t *testing.T) {
	handler, _ := newTestHandler(t)
	recorder := perform(t, handler, http.MethodGet, "/quill/nope", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var body map[string]any
	decodeBody(t, recorder, &body)
	if body["error"] != "not_found" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestDocumentOpenRevsAll(t *testing.T) {
	handler, db := newTestHandler(t)
	for _, doc := range []document.Document{
		{ID: "roadside", RevNum: 2, Path: []string{"e", "a"}, Body: map[string]any{"trees": 41}},
		{ID: "roadside", RevNum: 2, Path: []string{"6", "a"}, Body: map[string]any{"trees": 41}},
	} {
		if err := db.Store().Write(doc); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	recorder := perform(t, handler, http.MethodGet, "/quill/roadside?open_revs=all&revs=true", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var rows []map[string]map[string]any
	decodeBody(t, recorder, &rows)
	if len(rows) != 2 {
		t.Fatalf("expected both leaves, got %v", rows)
	}
	revs := []string{rows[0]["ok"]["_rev"].(string), rows[1]["ok"]["_rev"].(string)}
	if !reflect.DeepEqual(revs, []string{"2-e", "2-6"}) {
		t.Fatalf("expected descending leaves, got %v", revs)
	}
}

func TestBulkDocsRequiresNewEditsFalse(t *testing.T) {
	handler, _ := newTestHandler(t)
	recorder := perform(t, handler, http.MethodPost, "/quill/_bulk_docs", map[string]any{
		"docs": []any{},
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without new_edits=false, got %d", recorder.Code)
	}
}

func TestBulkDocsWritesBranches(t *testing.T) {
	handler, db := newTestHandler(t)
	recorder := perform(t, handler, http.MethodPost, "/quill/_bulk_docs", map[string]any{
		"new_edits": false,
		"docs": []any{
			map[string]any{"_id": "roadside", "_rev": "1-a", "trees": 40},
			map[string]any{
				"_id": "roadside", "_rev": "2-e", "trees": 41,
				"_revisions": map[string]any{"start": 2, "ids": []any{"e", "a"}},
			},
		},
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d (%s)", recorder.Code, recorder.Body.String())
	}
	var rows []map[string]any
	decodeBody(t, recorder, &rows)
	if len(rows) != 0 {
		t.Fatalf("successful writes must be silent, got %v", rows)
	}

	docs, err := db.Store().Read("roadside", document.RevsSpec{})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if docs[0].LeafRev().String() != "2-e" {
		t.Fatalf("unexpected winner: %s", docs[0].LeafRev())
	}
}

func TestRevsDiffEndpoint(t *testing.T) {
	handler, db := newTestHandler(t)
	if err := db.Store().Write(document.Document{
		ID: "roadside", RevNum: 1, Path: []string{"a"}, Body: map[string]any{},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	recorder := perform(t, handler, http.MethodPost, "/quill/_revs_diff", map[string]any{
		"roadside": []string{"1-a", "2-b"},
		"unknown":  []string{"1-z"},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var response map[string]struct {
		Missing []string `json:"missing"`
	}
	decodeBody(t, recorder, &response)
	if !reflect.DeepEqual(response["roadside"].Missing, []string{"2-b"}) {
		t.Fatalf("unexpected diff: %v", response)
	}
	if !reflect.DeepEqual(response["unknown"].Missing, []string{"1-z"}) {
		t.Fatalf("unknown ids must miss everything: %v", response)
	}
}

func TestChangesEndpoint(t *testing.T) {
	handler, db := newTestHandler(t)
	for _, id := range []string{"a", "b"} {
		if err := db.Store().Write(document.Document{
			ID: id, RevNum: 1, Path: []string{"x" + id}, Body: map[string]any{},
		}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	recorder := perform(t, handler, http.MethodGet, "/quill/_changes?style=all_docs&since=0", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var feed struct {
		Results []struct {
			ID       string   `json:"id"`
			Seq      int64    `json:"seq"`
			Deleted  bool     `json:"deleted"`
			LeafRevs []string `json:"leaf_revs"`
		} `json:"results"`
		LastSeq int64 `json:"last_seq"`
	}
	decodeBody(t, recorder, &feed)
	if len(feed.Results) != 2 || feed.LastSeq != 2 {
		t.Fatalf("unexpected feed: %+v", feed)
	}
	if feed.Results[0].ID != "a" || !reflect.DeepEqual(feed.Results[0].LeafRevs, []string{"1-xa"}) {
		t.Fatalf("unexpected first row: %+v", feed.Results[0])
	}
}

func TestChangesEndpointRejectsOtherStyles(t *testing.T) {
	handler, _ := newTestHandler(t)
	recorder := perform(t, handler, http.MethodGet, "/quill/_changes?style=main_only", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}

func TestLocalDocumentEndpoints(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := perform(t, handler, http.MethodPut, "/quill/_local/ck", map[string]any{"seq": 7})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d (%s)", recorder.Code, recorder.Body.String())
	}

	recorder = perform(t, handler, http.MethodGet, "/quill/_local/ck", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var doc map[string]any
	decodeBody(t, recorder, &doc)
	if doc["_rev"] != "0-1" || doc["seq"] != float64(7) {
		t.Fatalf("unexpected local document: %v", doc)
	}

	recorder = perform(t, handler, http.MethodDelete, "/quill/_local/ck", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	recorder = perform(t, handler, http.MethodGet, "/quill/_local/ck", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected the local document to be gone, got %d", recorder.Code)
	}
}

func TestEnsureFullCommitEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	recorder := perform(t, handler, http.MethodPost, "/quill/_ensure_full_commit", nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"ok":true`) {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestRevsLimitEndpoints(t *testing.T) {
	handler, db := newTestHandler(t)

	recorder := perform(t, handler, http.MethodPut, "/quill/_revs_limit", 5)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if db.Store().RevsLimit() != 5 {
		t.Fatalf("revs limit not applied: %d", db.Store().RevsLimit())
	}

	recorder = perform(t, handler, http.MethodGet, "/quill/_revs_limit", nil)
	var limit int
	decodeBody(t, recorder, &limit)
	if limit != 5 {
		t.Fatalf("unexpected revs limit: %d", limit)
	}
}
