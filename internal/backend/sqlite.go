package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/quill/internal/document"
	"github.com/MarcoPoloResearchLab/quill/internal/revtree"
	"github.com/MarcoPoloResearchLab/quill/internal/storage"
)

// treeRow persists one document: its id and the JSON-encoded revision tree.
// Every write replaces the row, so seq is freshly assigned and the table
// doubles as the change log.
type treeRow struct {
	Seq     int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	DocID   string `gorm:"column:doc_id;uniqueIndex;size:190;not null"`
	RevTree string `gorm:"column:rev_tree;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (treeRow) TableName() string {
	return "revision_trees"
}

// localDocRow persists local documents outside revision handling.
type localDocRow struct {
	DocID    string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Document string `gorm:"column:document;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (localDocRow) TableName() string {
	return "local_documents"
}

// branchJSON is the stored form of one revision-tree branch.
type branchJSON struct {
	LeafGen int            `json:"leaf_gen"`
	Path    []string       `json:"path"`
	Body    map[string]any `json:"body"`
}

// SQLiteConfig carries the knobs for OpenSQLite.
type SQLiteConfig struct {
	// Path is the sqlite database file.
	Path string
	// ID overrides the backend identity; it defaults to Path + "sql",
	// which is stable across opens of the same file.
	ID string
	// RevsLimit defaults to 1000. It applies to writes through this handle
	// and is not persisted.
	RevsLimit int
	Logger    *zap.Logger
}

// SQLite is a durable Database over a sqlite file. Revision trees are stored
// as JSON rows; the sequence column doubles as the change log. Opening a
// handle does not create the schema; Create does, so a fresh file reports
// NotFound until the replicator (or caller) creates it.
type SQLite struct {
	db        *gorm.DB
	id        string
	logger    *zap.Logger
	notifier  *storage.Notifier
	mu        sync.Mutex
	revsLimit int
}

// OpenSQLite opens (but does not create) a sqlite-backed database.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("backend: sqlite path is required")
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	id := cfg.ID
	if id == "" {
		id = cfg.Path + "sql"
	}
	revsLimit := cfg.RevsLimit
	if revsLimit == 0 {
		revsLimit = 1000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SQLite{
		db:        db,
		id:        id,
		logger:    logger,
		notifier:  storage.NewNotifier(),
		revsLimit: revsLimit,
	}, nil
}

// Close releases the underlying connection.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ID implements Database.
func (s *SQLite) ID(ctx context.Context) (string, error) {
	return s.id, nil
}

// UpdateSeq implements Database. It reports storage.ErrNotFound until Create
// has run, so replication with CreateTarget can bootstrap a fresh file.
func (s *SQLite) UpdateSeq(ctx context.Context) (int64, error) {
	if !s.db.WithContext(ctx).Migrator().HasTable(&treeRow{}) {
		return 0, fmt.Errorf("%w: database not created", storage.ErrNotFound)
	}
	var seq int64
	err := s.db.WithContext(ctx).Model(&treeRow{}).
		Select("COALESCE(MAX(seq), 0)").Scan(&seq).Error
	if err != nil {
		return 0, &TransportError{Op: "update seq", Err: err}
	}
	return seq, nil
}

// RevsLimit implements Database.
func (s *SQLite) RevsLimit(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revsLimit, nil
}

// SetRevsLimit implements Database.
func (s *SQLite) SetRevsLimit(ctx context.Context, limit int) error {
	if limit < 1 {
		return fmt.Errorf("%w: %d", storage.ErrInvalidRevsLimit, limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revsLimit = limit
	return nil
}

// Create implements Database by migrating the schema.
func (s *SQLite) Create(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(&treeRow{}, &localDocRow{})
	if err != nil {
		return &TransportError{Op: "create", Err: err}
	}
	s.logger.Info("sqlite database created", zap.String("id", s.id))
	return nil
}

// EnsureFullCommit implements Database; every write committed its own
// transaction already.
func (s *SQLite) EnsureFullCommit(ctx context.Context) error {
	return nil
}

// Changes implements Database, driven by the same notifier latch as the
// in-memory store.
func (s *SQLite) Changes(ctx context.Context, since int64, continuous bool) <-chan ChangeResult {
	out := make(chan ChangeResult)
	go func() {
		defer close(out)
		for {
			latch := s.notifier.Wait()

			var rows []treeRow
			err := s.db.WithContext(ctx).
				Where("seq > ?", since).Order("seq").Find(&rows).Error
			if err != nil {
				emit(ctx, out, ChangeResult{Err: &TransportError{Op: "changes", Err: err}})
				return
			}
			for _, row := range rows {
				tree, err := decodeTree(row.RevTree)
				if err != nil {
					emit(ctx, out, ChangeResult{Err: err})
					return
				}
				since = row.Seq
				change := storage.BuildChange(row.DocID, row.Seq, tree, tree.WinnerIndex())
				if !emit(ctx, out, ChangeResult{Change: change}) {
					return
				}
			}
			if !continuous {
				return
			}
			select {
			case <-latch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// RevsDiff implements Database.
func (s *SQLite) RevsDiff(ctx context.Context, requests <-chan RevsDiffRequest) <-chan RevsDiffResult {
	out := make(chan RevsDiffResult)
	go func() {
		defer close(out)
		for request := range requests {
			tree, err := s.loadTree(ctx, request.ID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				emit(ctx, out, RevsDiffResult{ID: request.ID, Err: err})
				return
			}
			result := RevsDiffResult{
				ID:      request.ID,
				Missing: storage.MissingRevs(tree, request.Revs),
			}
			if !emit(ctx, out, result) {
				return
			}
		}
	}()
	return out
}

// Read implements Database.
func (s *SQLite) Read(ctx context.Context, requests <-chan ReadRequest, includePath bool) <-chan ReadResult {
	out := make(chan ReadResult)
	go func() {
		defer close(out)
		for request := range requests {
			for _, result := range s.readOne(ctx, request) {
				if !includePath && result.Err == nil && !result.Doc.IsLocal() {
					result.Doc.Path = result.Doc.Path[:1]
				}
				if !emit(ctx, out, result) {
					return
				}
			}
		}
	}()
	return out
}

func (s *SQLite) readOne(ctx context.Context, request ReadRequest) []ReadResult {
	if document.IsLocalID(request.ID) {
		if !request.Revs.Winner() {
			return []ReadResult{{Err: storage.ErrLocalRead}}
		}
		doc, err := s.readLocal(ctx, request.ID)
		if err != nil {
			return []ReadResult{{Err: err}}
		}
		return []ReadResult{{Doc: doc}}
	}

	tree, err := s.loadTree(ctx, request.ID)
	if err != nil {
		return []ReadResult{{Err: err}}
	}
	docs := storage.SelectDocs(request.ID, tree, tree.WinnerIndex(), request.Revs)
	results := make([]ReadResult, len(docs))
	for i, doc := range docs {
		results[i] = ReadResult{Doc: doc}
	}
	return results
}

func (s *SQLite) readLocal(ctx context.Context, id string) (document.Document, error) {
	var row localDocRow
	err := s.db.WithContext(ctx).Where("doc_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return document.Document{}, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return document.Document{}, &TransportError{Op: "read local", Err: err}
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(row.Document), &body); err != nil {
		return document.Document{}, err
	}
	return document.Document{ID: id, Body: body}, nil
}

// Write implements Database. Each document commits in its own transaction;
// failures are reported in-band and do not stop the stream.
func (s *SQLite) Write(ctx context.Context, docs <-chan document.Document) <-chan error {
	out := make(chan error)
	go func() {
		defer close(out)
		for doc := range docs {
			if err := s.writeOne(ctx, doc); err != nil {
				if !emit(ctx, out, err) {
					return
				}
			}
		}
	}()
	return out
}

func (s *SQLite) writeOne(ctx context.Context, doc document.Document) error {
	if doc.IsLocal() {
		return s.writeLocal(ctx, doc)
	}
	if doc.RevNum < 1 || len(doc.Path) == 0 {
		return fmt.Errorf("%w: rev %d with %d tokens", document.ErrInvalidRevisions,
			doc.RevNum, len(doc.Path))
	}

	s.mu.Lock()
	revsLimit := s.revsLimit
	s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tree, err := loadTreeTx(tx, doc.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if tree == nil {
			tree = &revtree.Tree{}
		}
		tree.Merge(doc.RevNum, doc.Path, doc.Body, revsLimit)

		encoded, err := encodeTree(tree)
		if err != nil {
			return err
		}
		// drop the old row first so the replacement gets a fresh seq
		if err := tx.Where("doc_id = ?", doc.ID).Delete(&treeRow{}).Error; err != nil {
			return err
		}
		return tx.Create(&treeRow{DocID: doc.ID, RevTree: encoded}).Error
	})
	if err != nil {
		return err
	}

	s.notifier.Notify()
	return nil
}

func (s *SQLite) writeLocal(ctx context.Context, doc document.Document) error {
	if doc.Deleted() {
		return s.db.WithContext(ctx).
			Where("doc_id = ?", doc.ID).Delete(&localDocRow{}).Error
	}
	encoded, err := json.Marshal(doc.Body)
	if err != nil {
		return err
	}
	row := localDocRow{DocID: doc.ID, Document: string(encoded)}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *SQLite) loadTree(ctx context.Context, id string) (*revtree.Tree, error) {
	return loadTreeTx(s.db.WithContext(ctx), id)
}

func loadTreeTx(tx *gorm.DB, id string) (*revtree.Tree, error) {
	var row treeRow
	err := tx.Where("doc_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, &TransportError{Op: "read tree", Err: err}
	}
	return decodeTree(row.RevTree)
}

func decodeTree(raw string) (*revtree.Tree, error) {
	var rows []branchJSON
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, err
	}
	branches := make([]revtree.Branch, len(rows))
	for i, row := range rows {
		branches[i] = revtree.Branch{LeafGen: row.LeafGen, Path: row.Path, Body: row.Body}
	}
	return revtree.NewTree(branches), nil
}

func encodeTree(tree *revtree.Tree) (string, error) {
	rows := make([]branchJSON, tree.Len())
	for i := 0; i < tree.Len(); i++ {
		branch := tree.Branch(i)
		rows[i] = branchJSON{LeafGen: branch.LeafGen, Path: branch.Path, Body: branch.Body}
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// emit sends one item unless the context ends first; it reports whether the
// stream should continue.
func emit[T any](ctx context.Context, out chan<- T, item T) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
