package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quill/internal/document"
	"github.com/MarcoPoloResearchLab/quill/internal/storage"
)

// RemoteConfig carries the knobs for NewRemote.
type RemoteConfig struct {
	// URL is the database endpoint, e.g. http://host:5984/db.
	URL string
	// Client defaults to a fresh http.Client without a global timeout, so
	// continuous change feeds can stay open indefinitely.
	Client *http.Client
	// MaxRetries bounds the retry attempts for point requests. Defaults
	// to 3. Streaming requests never retry; the replication checkpoint
	// makes the next run resume instead.
	MaxRetries uint64
	Logger     *zap.Logger
}

// Remote is a Database over a CouchDB-compatible HTTP server. Point
// operations are single requests with exponential-backoff retries; changes
// are parsed incrementally off the response stream.
type Remote struct {
	base       *url.URL
	client     *http.Client
	maxRetries uint64
	logger     *zap.Logger
}

// NewRemote constructs a remote backend for the given database URL.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: remote url: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{base: base, client: client, maxRetries: maxRetries, logger: logger}, nil
}

// ID implements Database. The identity combines the server's uuid with the
// database URL, so distinct databases on one server replicate independently.
func (r *Remote) ID(ctx context.Context) (string, error) {
	root := *r.base
	root.Path = "/"
	var welcome struct {
		UUID string `json:"uuid"`
	}
	if err := r.getJSON(ctx, root.String(), &welcome); err != nil {
		return "", err
	}
	return welcome.UUID + r.base.String() + "remote", nil
}

// UpdateSeq implements Database.
func (r *Remote) UpdateSeq(ctx context.Context) (int64, error) {
	var info struct {
		UpdateSeq int64 `json:"update_seq"`
	}
	if err := r.getJSON(ctx, r.base.String(), &info); err != nil {
		return 0, err
	}
	return info.UpdateSeq, nil
}

// RevsLimit implements Database.
func (r *Remote) RevsLimit(ctx context.Context) (int, error) {
	var limit int
	if err := r.getJSON(ctx, r.base.String()+"/_revs_limit", &limit); err != nil {
		return 0, err
	}
	return limit, nil
}

// SetRevsLimit implements Database.
func (r *Remote) SetRevsLimit(ctx context.Context, limit int) error {
	body := strconv.Itoa(limit)
	resp, err := r.point(ctx, http.MethodPut, r.base.String()+"/_revs_limit", []byte(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Create implements Database. An already-existing database is not an error.
func (r *Remote) Create(ctx context.Context) error {
	resp, err := r.pointAllowing(ctx, http.MethodPut, r.base.String(), nil,
		http.StatusPreconditionFailed)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// EnsureFullCommit implements Database.
func (r *Remote) EnsureFullCommit(ctx context.Context) error {
	resp, err := r.point(ctx, http.MethodPost, r.base.String()+"/_ensure_full_commit", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Changes implements Database. The normal feed is one JSON document parsed
// incrementally; the continuous feed is one JSON object per line.
func (r *Remote) Changes(ctx context.Context, since int64, continuous bool) <-chan ChangeResult {
	out := make(chan ChangeResult)
	go func() {
		defer close(out)

		feedURL := *r.base
		feedURL.Path += "/_changes"
		query := url.Values{"style": {"all_docs"}, "since": {strconv.FormatInt(since, 10)}}
		if continuous {
			query.Set("feed", "continuous")
		}
		feedURL.RawQuery = query.Encode()

		request, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL.String(), nil)
		if err != nil {
			emit(ctx, out, ChangeResult{Err: &TransportError{Op: "changes", Err: err}})
			return
		}
		resp, err := r.client.Do(request)
		if err != nil {
			emit(ctx, out, ChangeResult{Err: &TransportError{Op: "changes", Err: err}})
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			emit(ctx, out, ChangeResult{Err: statusError("changes", resp)})
			return
		}

		if continuous {
			r.streamContinuousChanges(ctx, resp.Body, out)
		} else {
			r.streamNormalChanges(ctx, resp.Body, out)
		}
	}()
	return out
}

type changeRow struct {
	ID       string   `json:"id"`
	Seq      int64    `json:"seq"`
	Deleted  bool     `json:"deleted"`
	LeafRevs []string `json:"leaf_revs"`
}

func (row changeRow) change() Change {
	return Change{ID: row.ID, Seq: row.Seq, Deleted: row.Deleted, LeafRevs: row.LeafRevs}
}

func (r *Remote) streamNormalChanges(ctx context.Context, body io.Reader, out chan<- ChangeResult) {
	decoder := json.NewDecoder(body)
	// skip forward into the "results" array
	for {
		token, err := decoder.Token()
		if err != nil {
			emit(ctx, out, ChangeResult{Err: &TransportError{Op: "changes", Err: err}})
			return
		}
		if key, ok := token.(string); ok && key == "results" {
			break
		}
	}
	if _, err := decoder.Token(); err != nil { // opening bracket
		emit(ctx, out, ChangeResult{Err: &TransportError{Op: "changes", Err: err}})
		return
	}
	for decoder.More() {
		var row changeRow
		if err := decoder.Decode(&row); err != nil {
			emit(ctx, out, ChangeResult{Err: &TransportError{Op: "changes", Err: err}})
			return
		}
		if !emit(ctx, out, ChangeResult{Change: row.change()}) {
			return
		}
	}
}

func (r *Remote) streamContinuousChanges(ctx context.Context, body io.Reader, out chan<- ChangeResult) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue // heartbeat
		}
		var row changeRow
		if err := json.Unmarshal(line, &row); err != nil {
			emit(ctx, out, ChangeResult{Err: &TransportError{Op: "changes", Err: err}})
			return
		}
		if !emit(ctx, out, ChangeResult{Change: row.change()}) {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(ctx, out, ChangeResult{Err: &TransportError{Op: "changes", Err: err}})
	}
}

// RevsDiff implements Database with one _revs_diff request per input item:
// the pipeline is cooperative, so per-item requests keep it lazy without a
// streaming request body.
func (r *Remote) RevsDiff(ctx context.Context, requests <-chan RevsDiffRequest) <-chan RevsDiffResult {
	out := make(chan RevsDiffResult)
	go func() {
		defer close(out)
		for request := range requests {
			payload, err := json.Marshal(map[string][]string{request.ID: request.Revs})
			if err != nil {
				emit(ctx, out, RevsDiffResult{ID: request.ID, Err: err})
				return
			}
			var decoded map[string]struct {
				Missing []string `json:"missing"`
			}
			err = r.postJSON(ctx, r.base.String()+"/_revs_diff", payload, &decoded)
			if err != nil {
				emit(ctx, out, RevsDiffResult{ID: request.ID, Err: err})
				return
			}
			result := RevsDiffResult{ID: request.ID, Missing: decoded[request.ID].Missing}
			if !emit(ctx, out, result) {
				return
			}
		}
	}()
	return out
}

// Read implements Database; one GET per requested document.
func (r *Remote) Read(ctx context.Context, requests <-chan ReadRequest, includePath bool) <-chan ReadResult {
	out := make(chan ReadResult)
	go func() {
		defer close(out)
		for request := range requests {
			for _, result := range r.readOne(ctx, request, includePath) {
				if !emit(ctx, out, result) {
					return
				}
			}
		}
	}()
	return out
}

func (r *Remote) readOne(ctx context.Context, request ReadRequest, includePath bool) []ReadResult {
	docURL := *r.base
	docURL.Path += "/" + request.ID

	query := url.Values{"latest": {"true"}}
	if includePath {
		query.Set("revs", "true")
	}
	multi := false
	switch {
	case request.Revs.All:
		query.Set("open_revs", "all")
		multi = true
	case !request.Revs.Winner():
		revs := make([]string, len(request.Revs.Revs))
		for i, rev := range request.Revs.Revs {
			revs[i] = rev.String()
		}
		encoded, err := json.Marshal(revs)
		if err != nil {
			return []ReadResult{{Err: err}}
		}
		query.Set("open_revs", string(encoded))
		multi = true
	}
	docURL.RawQuery = query.Encode()

	resp, err := r.pointAllowing(ctx, http.MethodGet, docURL.String(), nil, http.StatusNotFound)
	if err != nil {
		return []ReadResult{{Err: err}}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return []ReadResult{{Err: fmt.Errorf("%w: %s", storage.ErrNotFound, request.ID)}}
	}

	if !multi {
		return []ReadResult{decodeDocResult(resp.Body, request.ID)}
	}

	var rows []struct {
		OK      map[string]any `json:"ok"`
		Missing string         `json:"missing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return []ReadResult{{Err: &TransportError{Op: "read", Err: err}}}
	}
	var results []ReadResult
	for _, row := range rows {
		if row.OK == nil {
			continue
		}
		doc, err := document.FromJSON(row.OK)
		if err != nil {
			results = append(results, ReadResult{Err: err})
			continue
		}
		results = append(results, ReadResult{Doc: doc})
	}
	return results
}

func decodeDocResult(body io.Reader, id string) ReadResult {
	var raw map[string]any
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return ReadResult{Err: &TransportError{Op: "read", Err: err}}
	}
	if _, ok := raw["_id"]; !ok {
		raw["_id"] = id
	}
	doc, err := document.FromJSON(raw)
	if err != nil {
		return ReadResult{Err: err}
	}
	return ReadResult{Doc: doc}
}

// Write implements Database. Local documents go through their dedicated
// endpoint; regular documents through _bulk_docs with new_edits=false, one
// document per request so a failure maps back to its document.
func (r *Remote) Write(ctx context.Context, docs <-chan document.Document) <-chan error {
	out := make(chan error)
	go func() {
		defer close(out)
		for doc := range docs {
			if err := r.writeOne(ctx, doc); err != nil {
				if !emit(ctx, out, err) {
					return
				}
			}
		}
	}()
	return out
}

func (r *Remote) writeOne(ctx context.Context, doc document.Document) error {
	if doc.IsLocal() {
		return r.writeLocal(ctx, doc)
	}

	payload, err := json.Marshal(map[string]any{
		"new_edits": false,
		"docs":      []any{document.ToJSON(doc, true)},
	})
	if err != nil {
		return err
	}
	var rows []map[string]any
	err = r.postJSON(ctx, r.base.String()+"/_bulk_docs", payload, &rows)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return fmt.Errorf("backend: write %q: %v", doc.ID, rows[0])
	}
	return nil
}

func (r *Remote) writeLocal(ctx context.Context, doc document.Document) error {
	localURL := r.base.String() + "/" + doc.ID
	if doc.Deleted() {
		resp, err := r.pointAllowing(ctx, http.MethodDelete, localURL, nil, http.StatusNotFound)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
	payload, err := json.Marshal(document.ToJSON(doc, false))
	if err != nil {
		return err
	}
	resp, err := r.point(ctx, http.MethodPut, localURL, payload)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// getJSON issues a retried GET and decodes the response body.
func (r *Remote) getJSON(ctx context.Context, requestURL string, into any) error {
	resp, err := r.point(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return &TransportError{Op: "decode " + requestURL, Err: err}
	}
	return nil
}

func (r *Remote) postJSON(ctx context.Context, requestURL string, payload []byte, into any) error {
	resp, err := r.point(ctx, http.MethodPost, requestURL, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return &TransportError{Op: "decode " + requestURL, Err: err}
	}
	return nil
}

// point issues a single non-streaming request with exponential-backoff
// retries on connection failures and 5xx responses.
func (r *Remote) point(ctx context.Context, method, requestURL string, payload []byte) (*http.Response, error) {
	return r.pointAllowing(ctx, method, requestURL, payload)
}

func (r *Remote) pointAllowing(ctx context.Context, method, requestURL string, payload []byte, allowed ...int) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		request, err := http.NewRequestWithContext(ctx, method, requestURL,
			bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			request.Header.Set("Content-Type", "application/json")
		}
		request.Header.Set("Accept", "application/json")

		resp, err = r.client.Do(request)
		if err != nil {
			r.logger.Debug("remote request failed, retrying",
				zap.String("url", requestURL), zap.Error(err))
			return err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			err := statusError(method+" "+requestURL, resp)
			r.logger.Debug("remote request failed, retrying",
				zap.String("url", requestURL), zap.Error(err))
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponentialBackOff(), r.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, &TransportError{Op: method + " " + requestURL, Err: err}
	}

	if resp.StatusCode >= 400 && !statusAllowed(resp.StatusCode, allowed) {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, requestURL)
		}
		return nil, statusError(method+" "+requestURL, resp)
	}
	return resp, nil
}

func newExponentialBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 15 * time.Second
	return policy
}

func statusAllowed(status int, allowed []int) bool {
	for _, candidate := range allowed {
		if status == candidate {
			return true
		}
	}
	return false
}

func statusError(op string, resp *http.Response) error {
	return &TransportError{Op: op, Err: fmt.Errorf("unexpected status %s", resp.Status)}
}
