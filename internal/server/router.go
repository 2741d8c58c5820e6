// Package server exposes a database over the CouchDB-compatible HTTP
// surface: enough of it that a remote backend pointed here interoperates
// with the replicator unchanged.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quill/internal/backend"
	"github.com/MarcoPoloResearchLab/quill/internal/document"
	"github.com/MarcoPoloResearchLab/quill/internal/revtree"
	"github.com/MarcoPoloResearchLab/quill/internal/storage"
)

var (
	errMissingDatabase = errors.New("server: database dependency required")
	errMissingName     = errors.New("server: database name required")
)

var docNotFound = gin.H{"error": "not_found", "reason": "missing"}

// Dependencies wires the handler to a single named database.
type Dependencies struct {
	Database backend.Database
	Name     string
	Logger   *zap.Logger
}

// NewHTTPHandler builds the router for one database.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Database == nil {
		return nil, errMissingDatabase
	}
	if strings.TrimSpace(deps.Name) == "" {
		return nil, errMissingName
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		db:     deps.Database,
		name:   deps.Name,
		logger: logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	base := "/" + deps.Name
	router.GET("/", handler.handleWelcome)
	router.GET(base, handler.handleInfo)
	router.PUT(base, handler.handleCreate)
	router.GET(base+"/_changes", handler.handleChanges)
	router.POST(base+"/_revs_diff", handler.handleRevsDiff)
	router.POST(base+"/_ensure_full_commit", handler.handleEnsureFullCommit)
	router.POST(base+"/_bulk_docs", handler.handleBulkDocs)
	router.GET(base+"/_revs_limit", handler.handleGetRevsLimit)
	router.PUT(base+"/_revs_limit", handler.handleSetRevsLimit)

	// document paths (including _local/...) carry slashes gin's tree cannot
	// mix with the static endpoints above, so they dispatch from NoRoute
	router.NoRoute(handler.handleDoc)

	return router, nil
}

type httpHandler struct {
	db     backend.Database
	name   string
	logger *zap.Logger
}

func (h *httpHandler) handleWelcome(c *gin.Context) {
	id, err := h.db.ID(c.Request.Context())
	if err != nil {
		h.serverError(c, "id", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quill": "Welcome!", "uuid": id})
}

func (h *httpHandler) handleInfo(c *gin.Context) {
	seq, err := h.db.UpdateSeq(c.Request.Context())
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, docNotFound)
		return
	}
	if err != nil {
		h.serverError(c, "update seq", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"db_name":             h.name,
		"update_seq":          seq,
		"instance_start_time": "0",
	})
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.db.UpdateSeq(ctx); err == nil {
		c.JSON(http.StatusPreconditionFailed, gin.H{
			"error":  "file_exists",
			"reason": "The database could not be created, the file already exists.",
		})
		return
	}
	if err := h.db.Create(ctx); err != nil {
		h.serverError(c, "create", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true})
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	if style := c.Query("style"); style != "" && style != "all_docs" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "reason": "unsupported style"})
		return
	}
	since := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "reason": "invalid since"})
			return
		}
		since = parsed
	}
	continuous := c.Query("feed") == "continuous"

	ctx := c.Request.Context()
	changes := h.db.Changes(ctx, since, continuous)
	c.Writer.Header().Set("Content-Type", "application/json")
	c.Status(http.StatusOK)

	if continuous {
		encoder := json.NewEncoder(c.Writer)
		for result := range changes {
			if result.Err != nil {
				h.logger.Warn("continuous changes feed failed", zap.Error(result.Err))
				return
			}
			if encoder.Encode(changeJSON(result.Change)) != nil {
				return // client went away
			}
			c.Writer.Flush()
		}
		return
	}

	c.Writer.WriteString(`{"results":[`)
	lastSeq := since
	first := true
	for result := range changes {
		if result.Err != nil {
			h.logger.Warn("changes feed failed", zap.Error(result.Err))
			return
		}
		if !first {
			c.Writer.WriteString(",")
		}
		first = false
		writeRow(c, changeJSON(result.Change))
		lastSeq = result.Change.Seq
		c.Writer.Flush()
	}
	c.Writer.WriteString(`],"last_seq":` + strconv.FormatInt(lastSeq, 10) + `,"pending":0}` + "\n")
}

func changeJSON(change backend.Change) map[string]any {
	leafRevs := change.LeafRevs
	if leafRevs == nil {
		leafRevs = []string{}
	}
	return map[string]any{
		"id":        change.ID,
		"seq":       change.Seq,
		"deleted":   change.Deleted,
		"leaf_revs": leafRevs,
	}
}

func writeRow(c *gin.Context, row any) {
	encoded, err := json.Marshal(row)
	if err != nil {
		return
	}
	c.Writer.Write(encoded)
}

func (h *httpHandler) handleRevsDiff(c *gin.Context) {
	var payload map[string][]string
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}

	ctx := c.Request.Context()
	requests := make(chan backend.RevsDiffRequest)
	go func() {
		defer close(requests)
		for id, revs := range payload {
			select {
			case requests <- backend.RevsDiffRequest{ID: id, Revs: revs}:
			case <-ctx.Done():
				return
			}
		}
	}()

	response := make(map[string]any, len(payload))
	for result := range h.db.RevsDiff(ctx, requests) {
		if result.Err != nil {
			h.serverError(c, "revs diff", result.Err)
			return
		}
		missing := result.Missing
		if missing == nil {
			missing = []string{}
		}
		response[result.ID] = gin.H{"missing": missing}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleEnsureFullCommit(c *gin.Context) {
	if err := h.db.EnsureFullCommit(c.Request.Context()); err != nil {
		h.serverError(c, "ensure full commit", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "instance_start_time": "0"})
}

type bulkDocsPayload struct {
	Docs     []map[string]any `json:"docs"`
	NewEdits *bool            `json:"new_edits"`
}

func (h *httpHandler) handleBulkDocs(c *gin.Context) {
	var payload bulkDocsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if payload.NewEdits == nil || *payload.NewEdits {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "bad_request",
			"reason": "only new_edits=false is supported",
		})
		return
	}

	ctx := c.Request.Context()
	docs := make(chan document.Document)
	badDocs := make(chan map[string]any, len(payload.Docs))
	go func() {
		defer close(docs)
		defer close(badDocs)
		for _, raw := range payload.Docs {
			doc, err := document.FromJSON(raw)
			if err != nil {
				badDocs <- gin.H{"error": "bad_request", "reason": err.Error()}
				continue
			}
			select {
			case docs <- doc:
			case <-ctx.Done():
				return
			}
		}
	}()

	response := []map[string]any{}
	for err := range h.db.Write(ctx, docs) {
		response = append(response, gin.H{"error": "forbidden", "reason": err.Error()})
	}
	for bad := range badDocs {
		response = append(response, bad)
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleGetRevsLimit(c *gin.Context) {
	limit, err := h.db.RevsLimit(c.Request.Context())
	if err != nil {
		h.serverError(c, "revs limit", err)
		return
	}
	c.JSON(http.StatusOK, limit)
}

func (h *httpHandler) handleSetRevsLimit(c *gin.Context) {
	var limit int
	if err := c.ShouldBindJSON(&limit); err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if err := h.db.SetRevsLimit(c.Request.Context(), limit); err != nil {
		h.serverError(c, "set revs limit", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleDoc dispatches document-level requests, which carry ids (including
// the _local/ prefix) in the path.
func (h *httpHandler) handleDoc(c *gin.Context) {
	id, ok := h.docID(c)
	if !ok {
		c.JSON(http.StatusNotFound, docNotFound)
		return
	}
	switch c.Request.Method {
	case http.MethodGet:
		h.readDoc(c, id)
	case http.MethodPut:
		h.writeDoc(c, id)
	case http.MethodDelete:
		h.deleteLocalDoc(c, id)
	default:
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method_not_allowed"})
	}
}

func (h *httpHandler) docID(c *gin.Context) (string, bool) {
	prefix := "/" + h.name + "/"
	path := c.Request.URL.Path
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(path, prefix)
	if id == "" || (strings.HasPrefix(id, "_") && !document.IsLocalID(id)) {
		return "", false
	}
	return id, true
}

func (h *httpHandler) readDoc(c *gin.Context, id string) {
	spec := document.RevsSpec{}
	multi := false
	if openRevs := c.Query("open_revs"); openRevs != "" {
		multi = true
		if openRevs == "all" {
			spec.All = true
		} else {
			var rawRevs []string
			if err := json.Unmarshal([]byte(openRevs), &rawRevs); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "reason": "invalid open_revs"})
				return
			}
			for _, rawRev := range rawRevs {
				rev, err := revtree.ParseRevision(rawRev)
				if err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "reason": err.Error()})
					return
				}
				spec.Revs = append(spec.Revs, rev)
			}
		}
	}
	includePath := c.Query("revs") == "true"

	ctx := c.Request.Context()
	requests := make(chan backend.ReadRequest, 1)
	requests <- backend.ReadRequest{ID: id, Revs: spec}
	close(requests)

	var docs []document.Document
	for result := range h.db.Read(ctx, requests, includePath) {
		if result.Err != nil {
			if errors.Is(result.Err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, docNotFound)
				return
			}
			h.serverError(c, "read", result.Err)
			return
		}
		docs = append(docs, result.Doc)
	}

	if !multi {
		if len(docs) == 0 {
			c.JSON(http.StatusNotFound, docNotFound)
			return
		}
		c.JSON(http.StatusOK, document.ToJSON(docs[0], includePath))
		return
	}
	rows := make([]any, len(docs))
	for i, doc := range docs {
		rows[i] = gin.H{"ok": document.ToJSON(doc, includePath)}
	}
	c.JSON(http.StatusOK, rows)
}

func (h *httpHandler) writeDoc(c *gin.Context, id string) {
	if !document.IsLocalID(id) && c.Query("new_edits") != "false" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "bad_request",
			"reason": "only new_edits=false is supported",
		})
		return
	}

	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	raw["_id"] = id
	doc, err := document.FromJSON(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "reason": err.Error()})
		return
	}
	if err := h.writeOne(c, doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "forbidden", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "id": id})
}

func (h *httpHandler) deleteLocalDoc(c *gin.Context, id string) {
	if !document.IsLocalID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "bad_request",
			"reason": "only local documents support delete",
		})
		return
	}
	if err := h.writeOne(c, document.Document{ID: id}); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "forbidden", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": id})
}

func (h *httpHandler) writeOne(c *gin.Context, doc document.Document) error {
	docs := make(chan document.Document, 1)
	docs <- doc
	close(docs)
	for err := range h.db.Write(c.Request.Context(), docs) {
		return err
	}
	return nil
}

func (h *httpHandler) serverError(c *gin.Context, op string, err error) {
	h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
}
