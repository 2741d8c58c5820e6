package replication

import (
	"github.com/MarcoPoloResearchLab/quill/internal/document"
)

// ReplicationIDVersion names the checkpoint format. A peer log recorded
// under a different version is ignored, which restarts replication from the
// beginning.
const ReplicationIDVersion = 1

// historyLimit bounds the history entries kept in a checkpoint document.
const historyLimit = 5

// HistoryEntry records one completed replication session inside a
// checkpoint document.
type HistoryEntry struct {
	SessionID        string
	StartTime        string
	EndTime          string
	StartLastSeq     int64
	EndLastSeq       int64
	RecordedSeq      int64
	DocsRead         int64
	DocsWritten      int64
	DocWriteFailures int64
}

// Log is the decoded form of a _local/<replication id> checkpoint document.
type Log struct {
	ReplicationIDVersion int
	SessionID            string
	SourceLastSeq        int64
	History              []HistoryEntry
}

// compareLogs determines the sequence to resume from. Zero means no common
// checkpoint: either peer is missing a log, a log was written under another
// format version, or the histories share no session.
func compareLogs(source, target *Log) int64 {
	noCheckpoint := source == nil || target == nil ||
		source.ReplicationIDVersion != ReplicationIDVersion ||
		target.ReplicationIDVersion != ReplicationIDVersion
	if noCheckpoint {
		return 0
	}
	if source.SessionID == target.SessionID {
		return source.SourceLastSeq
	}

	// diverging histories: find the newest session both peers recorded
	targetSessions := make(map[string]bool, len(target.History))
	for _, entry := range target.History {
		targetSessions[entry.SessionID] = true
	}
	for _, entry := range source.History {
		if targetSessions[entry.SessionID] {
			return entry.RecordedSeq
		}
	}
	return 0
}

// prependHistory puts the new entry first and keeps at most historyLimit
// entries in total.
func prependHistory(existing *Log, entry HistoryEntry) []HistoryEntry {
	history := []HistoryEntry{entry}
	if existing != nil {
		tail := existing.History
		if len(tail) > historyLimit-1 {
			tail = tail[:historyLimit-1]
		}
		history = append(history, tail...)
	}
	return history
}

// logToBody renders a checkpoint log as a local-document body. History
// entries are encoded as []any of objects, the shape JSON decoding produces,
// so logFromDoc reads the body the same way whether it stays in memory or
// round-trips through JSON.
func logToBody(log Log) map[string]any {
	history := make([]any, len(log.History))
	for i, entry := range log.History {
		history[i] = map[string]any{
			"session_id":         entry.SessionID,
			"start_time":         entry.StartTime,
			"end_time":           entry.EndTime,
			"start_last_seq":     entry.StartLastSeq,
			"end_last_seq":       entry.EndLastSeq,
			"recorded_seq":       entry.RecordedSeq,
			"docs_read":          entry.DocsRead,
			"docs_written":       entry.DocsWritten,
			"doc_write_failures": entry.DocWriteFailures,
		}
	}
	return map[string]any{
		"replication_id_version": log.ReplicationIDVersion,
		"session_id":             log.SessionID,
		"source_last_seq":        log.SourceLastSeq,
		"history":                history,
	}
}

// logFromDoc decodes a checkpoint document. A malformed body is treated the
// same as an absent one.
func logFromDoc(doc document.Document) *Log {
	if doc.Body == nil {
		return nil
	}
	log := &Log{}
	version, ok := asInt64(doc.Body["replication_id_version"])
	if !ok {
		return nil
	}
	log.ReplicationIDVersion = int(version)
	log.SessionID, _ = doc.Body["session_id"].(string)
	log.SourceLastSeq, _ = asInt64(doc.Body["source_last_seq"])

	rawHistory, _ := doc.Body["history"].([]any)
	for _, rawEntry := range rawHistory {
		fields, ok := rawEntry.(map[string]any)
		if !ok {
			continue
		}
		entry := HistoryEntry{}
		entry.SessionID, _ = fields["session_id"].(string)
		entry.StartTime, _ = fields["start_time"].(string)
		entry.EndTime, _ = fields["end_time"].(string)
		entry.StartLastSeq, _ = asInt64(fields["start_last_seq"])
		entry.EndLastSeq, _ = asInt64(fields["end_last_seq"])
		entry.RecordedSeq, _ = asInt64(fields["recorded_seq"])
		entry.DocsRead, _ = asInt64(fields["docs_read"])
		entry.DocsWritten, _ = asInt64(fields["docs_written"])
		entry.DocWriteFailures, _ = asInt64(fields["doc_write_failures"])
		log.History = append(log.History, entry)
	}
	return log
}

func asInt64(raw any) (int64, bool) {
	switch value := raw.(type) {
	case int64:
		return value, true
	case int:
		return int64(value), true
	case float64:
		return int64(value), true
	}
	return 0, false
}
