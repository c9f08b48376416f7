package covermark

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jward/covermark/internal/solution"
	"github.com/jward/covermark/internal/store"
)

// rulesHashKey is the metadata key of the rules hash the recorded document
// hashes were computed under.
const rulesHashKey = "rules_hash"

// DefaultLedgerPath returns <solution dir>/.covermark/ledger.db.
func DefaultLedgerPath(solutionPath string) string {
	return filepath.Join(filepath.Dir(solutionPath), ".covermark", "ledger.db")
}

// ledger records one run in the store. All methods are safe on a nil
// receiver so the walk does not need to know whether the ledger is enabled.
// Write failures are logged and never fail the run.
type ledger struct {
	store  *store.Store
	runID  string
	logger *zap.Logger

	// hashes of rewritten text waiting for their project to be applied
	waiting map[string]string
}

func (e *Engine) openLedger(sol *solution.Solution) (*ledger, error) {
	path := e.ledgerPath
	if path == "" {
		path = DefaultLedgerPath(sol.Path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("covermark: creating %s: %w", filepath.Dir(path), err)
	}

	s, err := store.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("covermark: ledger: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("covermark: ledger: %w", err)
	}

	// Document hashes only mean "nothing to do" under the rules that
	// produced them.
	current := e.rulesHash()
	stored, err := s.GetMetadata(rulesHashKey)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("covermark: ledger: %w", err)
	}
	if stored != current {
		if err := s.ClearDocuments(); err != nil {
			s.Close()
			return nil, fmt.Errorf("covermark: ledger: %w", err)
		}
		if err := s.SetMetadata(rulesHashKey, current); err != nil {
			s.Close()
			return nil, fmt.Errorf("covermark: ledger: %w", err)
		}
	}

	run := &store.Run{
		ID:        sol.ID,
		Solution:  sol.Path,
		StartedAt: time.Now(),
		DryRun:    e.dryRun,
	}
	if err := s.InsertRun(run); err != nil {
		s.Close()
		return nil, fmt.Errorf("covermark: ledger: %w", err)
	}

	e.logger.Debug("ledger opened", zap.String("path", path), zap.Bool("rules_changed", stored != current))
	return &ledger{
		store:   s,
		runID:   sol.ID,
		logger:  e.logger,
		waiting: make(map[string]string),
	}, nil
}

// rulesHash covers everything that decides whether a document changes.
func (e *Engine) rulesHash() string {
	sources := make(map[string]string, len(e.scripts))
	for _, s := range e.scripts {
		sources[s.Label] = s.Source
	}
	return store.ComputeRulesHash(
		e.rules.TestMarkers, e.rules.BaseTypePrefixes,
		e.rules.ExclusionMarker, e.rules.Attribute,
		sources, e.predicateKeys,
	)
}

// unchanged reports whether path was checked before with the same content.
func (l *ledger) unchanged(path string, text []byte) bool {
	if l == nil {
		return false
	}
	d, err := l.store.DocumentByPath(path)
	if err != nil {
		l.logger.Warn("ledger lookup failed", zap.String("path", path), zap.Error(err))
		return false
	}
	return d != nil && d.Hash == store.ContentHash(text)
}

// checked records that text needs no change.
func (l *ledger) checked(path string, text []byte) {
	if l == nil {
		return
	}
	l.record(path, store.ContentHash(text))
}

// pending remembers the rewritten text of path until it is applied. A dry
// run never applies, so the document is checked again next time.
func (l *ledger) pending(path string, text []byte) {
	if l == nil {
		return
	}
	l.waiting[path] = store.ContentHash(text)
}

// applied records the hash of a document once it is on disk.
func (l *ledger) applied(path string) {
	if l == nil {
		return
	}
	hash, ok := l.waiting[path]
	if !ok {
		return
	}
	delete(l.waiting, path)
	l.record(path, hash)
}

func (l *ledger) record(path, hash string) {
	err := l.store.UpsertDocument(&store.Document{Path: path, Hash: hash, LastChecked: time.Now()})
	if err != nil {
		l.logger.Warn("ledger write failed", zap.String("path", path), zap.Error(err))
	}
}

func (l *ledger) mark(m MarkedClass) {
	if l == nil {
		return
	}
	_, err := l.store.InsertMark(&store.Mark{
		RunID:     l.runID,
		Path:      m.File,
		ClassName: m.Class,
		Line:      m.Line,
		Reason:    m.Reason,
	})
	if err != nil {
		l.logger.Warn("ledger write failed", zap.String("class", m.Class), zap.Error(err))
	}
}

// finish stores the outcome of the run.
func (l *ledger) finish(report *Report, runErr error) {
	if l == nil {
		return
	}
	status := store.StatusSucceeded
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		status = store.StatusCancelled
	case runErr != nil:
		status = store.StatusFailed
	}
	err := l.store.FinishRun(l.runID, status, report.CheckedDocuments(), report.ChangedDocuments(), runErr, time.Now())
	if err != nil {
		l.logger.Warn("ledger write failed", zap.Error(err))
	}
}

func (l *ledger) close() {
	if l == nil {
		return
	}
	if err := l.store.Close(); err != nil {
		l.logger.Warn("closing ledger", zap.Error(err))
	}
}
