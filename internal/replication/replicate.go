// Package replication drives convergence of a target database toward a
// source database over the backend contract, following the CouchDB
// replication protocol: verify peers, find a common checkpoint, stream
// changed revisions, then record a new checkpoint on both peers.
package replication

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quill/internal/backend"
	"github.com/MarcoPoloResearchLab/quill/internal/document"
	"github.com/MarcoPoloResearchLab/quill/internal/revtree"
	"github.com/MarcoPoloResearchLab/quill/internal/storage"
)

// ErrTargetMissing indicates that the target database does not exist and
// creating it was not requested.
var ErrTargetMissing = errors.New("replication: target does not exist")

// Options configures a replication run.
type Options struct {
	// CreateTarget creates the target database when it does not exist.
	CreateTarget bool
	// Continuous keeps the pipeline attached to the source's change feed
	// until the context is cancelled. No checkpoint is written in this mode.
	Continuous bool
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Stats is the result document of a completed replication run.
type Stats struct {
	OK                   bool
	History              []HistoryEntry
	ReplicationIDVersion int
	SessionID            string
	SourceLastSeq        int64
}

// Replicate converges target toward source. On return every revision the
// source knew at the time its change feed was queried is either present in
// the target or tallied as a write failure in the returned stats.
func Replicate(ctx context.Context, source, target backend.Database, opts Options) (Stats, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	run := &run{
		source: source,
		target: target,
		opts:   opts,
		logger: logger,
	}
	return run.replicate(ctx)
}

type run struct {
	source backend.Database
	target backend.Database
	opts   Options
	logger *zap.Logger

	sessionID         string
	replicationID     string
	startupCheckpoint int64

	startTime        string
	startLastSeq     int64
	recordedSeq      int64
	docsRead         int64
	docWriteFailures int64

	errMu       sync.Mutex
	pipelineErr error
}

func (r *run) replicate(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.sessionID = hexUUID()
	r.startTime = timestamp()

	// verify peers
	if _, err := r.source.UpdateSeq(ctx); err != nil {
		return Stats{}, fmt.Errorf("replication: source: %w", err)
	}
	targetSeq, err := r.targetSeq(ctx)
	if err != nil {
		return Stats{}, err
	}
	r.startLastSeq = targetSeq

	// generate replication id and find the common checkpoint
	if err := r.generateReplicationID(ctx); err != nil {
		return Stats{}, err
	}
	sourceLog, err := r.readLog(ctx, r.source)
	if err != nil {
		return Stats{}, err
	}
	targetLog, err := r.readLog(ctx, r.target)
	if err != nil {
		return Stats{}, err
	}
	r.startupCheckpoint = compareLogs(sourceLog, targetLog)
	r.recordedSeq = r.startupCheckpoint

	r.logger.Debug("replication starting",
		zap.String("replication_id", r.replicationID),
		zap.String("session_id", r.sessionID),
		zap.Int64("since", r.startupCheckpoint))

	// stream changed revisions
	if err := r.runPipeline(ctx); err != nil {
		return Stats{}, err
	}

	// commit barrier
	if err := r.target.EnsureFullCommit(ctx); err != nil {
		return Stats{}, fmt.Errorf("replication: commit: %w", err)
	}

	// record checkpoint
	stats, err := r.recordCheckpoint(ctx, sourceLog, targetLog)
	if err != nil {
		return Stats{}, err
	}

	r.logger.Info("replication finished",
		zap.String("replication_id", r.replicationID),
		zap.Int64("source_last_seq", stats.SourceLastSeq),
		zap.Int64("docs_read", r.docsRead),
		zap.Int64("doc_write_failures", r.docWriteFailures))
	return stats, nil
}

func (r *run) targetSeq(ctx context.Context) (int64, error) {
	seq, err := r.target.UpdateSeq(ctx)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("replication: target: %w", err)
	}
	if !r.opts.CreateTarget {
		return 0, fmt.Errorf("%w: %v", ErrTargetMissing, err)
	}
	if err := r.target.Create(ctx); err != nil {
		return 0, fmt.Errorf("replication: create target: %w", err)
	}
	seq, err = r.target.UpdateSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("replication: target: %w", err)
	}
	return seq, nil
}

func (r *run) generateReplicationID(ctx context.Context) error {
	sourceID, err := r.source.ID(ctx)
	if err != nil {
		return fmt.Errorf("replication: source id: %w", err)
	}
	targetID, err := r.target.ID(ctx)
	if err != nil {
		return fmt.Errorf("replication: target id: %w", err)
	}
	seed := sourceID + targetID +
		strconv.FormatBool(r.opts.CreateTarget) +
		strconv.FormatBool(r.opts.Continuous)
	sum := md5.Sum([]byte(seed))
	r.replicationID = hex.EncodeToString(sum[:])
	return nil
}

// runPipeline builds and drains the lazy chain
//
//	source.changes -> target.revs_diff -> source.read -> target.write
//
// One change flows end to end before the next is pulled; every stage parks
// on its unbuffered output channel until the stage below takes the item.
func (r *run) runPipeline(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes := r.source.Changes(ctx, r.startupCheckpoint, r.opts.Continuous)

	diffRequests := make(chan backend.RevsDiffRequest)
	go func() {
		defer close(diffRequests)
		for result := range changes {
			if result.Err != nil {
				r.fail(cancel, fmt.Errorf("replication: changes: %w", result.Err))
				return
			}
			r.recordedSeq = result.Change.Seq
			request := backend.RevsDiffRequest{
				ID:   result.Change.ID,
				Revs: result.Change.LeafRevs,
			}
			select {
			case diffRequests <- request:
			case <-ctx.Done():
				return
			}
		}
	}()

	diffs := r.target.RevsDiff(ctx, diffRequests)

	readRequests := make(chan backend.ReadRequest)
	go func() {
		defer close(readRequests)
		for diff := range diffs {
			if diff.Err != nil {
				r.fail(cancel, fmt.Errorf("replication: revs diff: %w", diff.Err))
				return
			}
			if len(diff.Missing) == 0 {
				continue
			}
			revs, err := parseRevisions(diff.Missing)
			if err != nil {
				r.fail(cancel, fmt.Errorf("replication: revs diff for %q: %w", diff.ID, err))
				return
			}
			request := backend.ReadRequest{
				ID:   diff.ID,
				Revs: document.RevsSpec{Revs: revs},
			}
			select {
			case readRequests <- request:
			case <-ctx.Done():
				return
			}
		}
	}()

	reads := r.source.Read(ctx, readRequests, true)

	writeDocs := make(chan document.Document)
	go func() {
		defer close(writeDocs)
		for result := range reads {
			if result.Err != nil {
				// a document can vanish between the diff and the read;
				// tolerate it and let a later run pick it up
				if errors.Is(result.Err, storage.ErrNotFound) {
					continue
				}
				r.fail(cancel, fmt.Errorf("replication: read: %w", result.Err))
				return
			}
			r.docsRead++
			select {
			case writeDocs <- result.Doc:
			case <-ctx.Done():
				return
			}
		}
	}()

	for err := range r.target.Write(ctx, writeDocs) {
		var transport *backend.TransportError
		if errors.As(err, &transport) {
			r.fail(cancel, fmt.Errorf("replication: write: %w", err))
			break
		}
		r.docWriteFailures++
		r.logger.Warn("document write failed", zap.Error(err))
	}

	if err := r.firstError(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// fail records the first pipeline error and tears the chain down. Stages run
// on their own goroutines, so the record is guarded.
func (r *run) fail(cancel context.CancelFunc, err error) {
	r.errMu.Lock()
	if r.pipelineErr == nil {
		r.pipelineErr = err
	}
	r.errMu.Unlock()
	cancel()
}

func (r *run) firstError() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.pipelineErr
}

func (r *run) recordCheckpoint(ctx context.Context, sourceLog, targetLog *Log) (Stats, error) {
	entry := HistoryEntry{
		SessionID:        r.sessionID,
		StartTime:        r.startTime,
		EndTime:          timestamp(),
		StartLastSeq:     r.startLastSeq,
		EndLastSeq:       r.recordedSeq,
		RecordedSeq:      r.recordedSeq,
		DocsRead:         r.docsRead,
		DocsWritten:      r.docsRead - r.docWriteFailures,
		DocWriteFailures: r.docWriteFailures,
	}

	if r.recordedSeq != r.startupCheckpoint {
		shared := Log{
			ReplicationIDVersion: ReplicationIDVersion,
			SessionID:            r.sessionID,
			SourceLastSeq:        r.recordedSeq,
		}
		newSourceLog := shared
		newSourceLog.History = prependHistory(sourceLog, entry)
		newTargetLog := shared
		newTargetLog.History = prependHistory(targetLog, entry)

		if err := r.writeLog(ctx, r.source, newSourceLog); err != nil {
			return Stats{}, err
		}
		if err := r.writeLog(ctx, r.target, newTargetLog); err != nil {
			return Stats{}, err
		}
	}

	return Stats{
		OK:                   true,
		History:              []HistoryEntry{entry},
		ReplicationIDVersion: ReplicationIDVersion,
		SessionID:            r.sessionID,
		SourceLastSeq:        r.recordedSeq,
	}, nil
}

// readLog fetches a peer's checkpoint document through the regular read
// stream. Absence and malformed content both mean "no checkpoint".
func (r *run) readLog(ctx context.Context, db backend.Database) (*Log, error) {
	requests := make(chan backend.ReadRequest, 1)
	requests <- backend.ReadRequest{ID: document.LocalPrefix + r.replicationID}
	close(requests)

	var log *Log
	for result := range db.Read(ctx, requests, false) {
		if result.Err != nil {
			if errors.Is(result.Err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("replication: read checkpoint: %w", result.Err)
		}
		log = logFromDoc(result.Doc)
	}
	return log, nil
}

func (r *run) writeLog(ctx context.Context, db backend.Database, log Log) error {
	docs := make(chan document.Document, 1)
	docs <- document.Document{
		ID:   document.LocalPrefix + r.replicationID,
		Body: logToBody(log),
	}
	close(docs)

	for err := range db.Write(ctx, docs) {
		return fmt.Errorf("replication: write checkpoint: %w", err)
	}
	return nil
}

func parseRevisions(raw []string) ([]revtree.Revision, error) {
	revs := make([]revtree.Revision, len(raw))
	for i, rawRev := range raw {
		rev, err := revtree.ParseRevision(rawRev)
		if err != nil {
			return nil, err
		}
		revs[i] = rev
	}
	return revs, nil
}

// timestamp renders the local time in the RFC 2822 form checkpoint
// documents traditionally carry.
func timestamp() string {
	return time.Now().Format(time.RFC1123Z)
}

func hexUUID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
