package covermark

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"go.uber.org/zap"

	"github.com/jward/covermark/internal/rewrite"
	"github.com/jward/covermark/internal/runtime"
	"github.com/jward/covermark/internal/solution"
	"github.com/jward/covermark/scripts"
)

// DefaultProjectFilter selects the projects whose name contains it.
const DefaultProjectFilter = "Quality"

// Engine drives one batch pass over a solution: open, rewrite matching
// projects, apply. An Engine holds no open resources between runs.
type Engine struct {
	rules         rewrite.Rules
	projectFilter string
	logger        *zap.Logger
	dryRun        bool
	predicates    []rewrite.Predicate
	predicateKeys []string

	ledgerOn   bool
	ledgerPath string // empty means DefaultLedgerPath(solution)

	scriptRefs []string
	scriptsFS  fs.FS
	runtime    *runtime.Runtime
	scripts    []*runtime.Script
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules replaces the default rules.
func WithRules(r rewrite.Rules) Option {
	return func(e *Engine) {
		e.rules = r
	}
}

// WithProjectFilter sets the substring a project name must contain to be
// processed. The match is ordinal; an empty filter selects every project.
func WithProjectFilter(filter string) Option {
	return func(e *Engine) {
		e.projectFilter = filter
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLedger records runs in the SQLite database at path and skips documents
// unchanged since they were last checked. An empty path uses
// DefaultLedgerPath of the solution being run.
func WithLedger(path string) Option {
	return func(e *Engine) {
		e.ledgerOn = true
		e.ledgerPath = path
	}
}

// WithDryRun computes the changes without writing any document.
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) {
		e.dryRun = dryRun
	}
}

// WithPredicate adds a Go predicate consulted for classes the rules do not
// select. The key names the predicate's logic in the ledger's rules hash:
// change it whenever the predicate would select different classes, or the
// ledger keeps skipping documents checked under the old logic.
func WithPredicate(key string, p rewrite.Predicate) Option {
	return func(e *Engine) {
		e.predicateKeys = append(e.predicateKeys, key)
		e.predicates = append(e.predicates, p)
	}
}

// WithScripts adds Risor rule scripts, either "builtin:<name>" or paths on
// disk. A script's final value is truthy when the class should be marked.
func WithScripts(refs ...string) Option {
	return func(e *Engine) {
		e.scriptRefs = append(e.scriptRefs, refs...)
	}
}

// WithScriptsFS replaces the embedded filesystem that "builtin:" script
// references resolve against.
func WithScriptsFS(fsys fs.FS) Option {
	return func(e *Engine) {
		e.scriptsFS = fsys
	}
}

// New creates an Engine. It fails if the rules would not be idempotent, a
// predicate has no key or a script cannot be loaded.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		rules:         rewrite.DefaultRules(),
		projectFilter: DefaultProjectFilter,
		logger:        zap.NewNop(),
		scriptsFS:     scripts.FS,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.rules.Validate(); err != nil {
		return nil, fmt.Errorf("covermark: %w", err)
	}
	for _, key := range e.predicateKeys {
		if strings.TrimSpace(key) == "" {
			return nil, errors.New("covermark: predicate key is empty")
		}
	}

	e.runtime = runtime.NewRuntime("",
		runtime.WithRuntimeFS(e.scriptsFS),
		runtime.WithRuntimeLogger(e.logger.Named("script")),
	)
	for _, ref := range e.scriptRefs {
		s, err := e.runtime.Load(ref)
		if err != nil {
			return nil, fmt.Errorf("covermark: %w", err)
		}
		e.scripts = append(e.scripts, s)
	}
	return e, nil
}

// Rules returns the rules the Engine applies.
func (e *Engine) Rules() rewrite.Rules {
	return e.rules
}

// Run processes the solution at solutionPath. Projects and documents are
// walked sequentially and the context is checked before each of them.
//
// Failing to read or parse a document is logged and the document skipped.
// Failing to apply a project's changes ends the run. The report is returned
// together with any error and covers the work done up to that point.
func (e *Engine) Run(ctx context.Context, solutionPath string) (*Report, error) {
	report := &Report{DryRun: e.dryRun}

	var led *ledger
	ws := solution.NewWorkspace(
		solution.WithDiagnosticHandler(func(d solution.Diagnostic) {
			e.logDiagnostic(d)
			report.Diagnostics = append(report.Diagnostics, d.String())
		}),
		solution.WithAppliedHandler(func(path string) {
			e.logger.Debug("document written", zap.String("path", path))
			led.applied(path)
		}),
	)

	sol, err := ws.Open(ctx, solutionPath)
	if err != nil {
		e.logger.Error("failed to open solution", zap.String("solution", solutionPath), zap.Error(err))
		return report, fmt.Errorf("covermark: %w", err)
	}
	report.RunID = sol.ID
	report.Solution = sol.Path

	log := e.logger.With(zap.String("run_id", sol.ID))
	log.Info("solution opened",
		zap.String("solution", sol.Path),
		zap.Int("projects", len(sol.Projects)),
		zap.Bool("dry_run", e.dryRun),
	)

	if e.ledgerOn {
		led, err = e.openLedger(sol)
		if err != nil {
			log.Error("failed to open ledger", zap.Error(err))
			return report, err
		}
		defer led.close()
	}

	runErr := e.walk(ctx, log, ws, sol, led, report)
	led.finish(report, runErr)

	// Dry runs, cancellation and apply failures leave merged text behind.
	if pending := sol.ChangedDocuments(); len(pending) > 0 {
		log.Info("discarding unapplied changes", zap.Strings("paths", pending))
	}

	switch {
	case runErr == nil:
		log.Info("run finished",
			zap.Int("documents", report.CheckedDocuments()),
			zap.Int("changed", report.ChangedDocuments()),
			zap.Int("marks", len(report.Marks)),
		)
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		log.Warn("run cancelled", zap.Error(runErr))
	}
	return report, runErr
}

func (e *Engine) walk(ctx context.Context, log *zap.Logger, ws *solution.Workspace, sol *solution.Solution, led *ledger, report *Report) error {
	for _, proj := range sol.Projects {
		if err := ctx.Err(); err != nil {
			return err
		}

		pr := ProjectReport{Name: proj.Name, Path: proj.Path}
		plog := log.With(zap.String("project", proj.Name))
		if !strings.Contains(proj.Name, e.projectFilter) {
			pr.Skipped = true
			plog.Info("project skipped", zap.String("filter", e.projectFilter))
			report.Projects = append(report.Projects, pr)
			continue
		}

		for _, doc := range proj.Documents {
			if err := ctx.Err(); err != nil {
				report.Projects = append(report.Projects, pr)
				return err
			}
			if err := e.processDocument(ctx, plog, sol, doc, led, &pr, report); err != nil {
				report.Projects = append(report.Projects, pr)
				return err
			}
		}

		if pr.Changed > 0 && !e.dryRun {
			// Nothing merged after cancellation reaches the disk.
			if err := ctx.Err(); err != nil {
				report.Projects = append(report.Projects, pr)
				return err
			}
			n, err := ws.ApplyChanges(sol, proj)
			pr.Written = n
			report.Projects = append(report.Projects, pr)
			if err != nil {
				plog.Error("failed to apply changes", zap.Int("written", n), zap.Error(err))
				return fmt.Errorf("covermark: project %s: %w", proj.Name, err)
			}
			plog.Info("applied changes", zap.Int("documents", n))
			continue
		}
		report.Projects = append(report.Projects, pr)
	}
	return nil
}

// processDocument rewrites one document into the solution overlay. Only
// cancellation is returned as an error; everything else is counted as a
// failed document.
func (e *Engine) processDocument(ctx context.Context, log *zap.Logger, sol *solution.Solution, doc *solution.Document, led *ledger, pr *ProjectReport, report *Report) error {
	pr.Documents++
	dlog := log.With(zap.String("path", doc.Path))

	text, err := sol.Text(doc)
	if err != nil {
		pr.Failed++
		dlog.Error("failed to read document", zap.Error(err))
		return nil
	}
	if led.unchanged(doc.Path, text) {
		pr.Unchanged++
		dlog.Debug("document unchanged since last run")
		return nil
	}

	rw, err := rewrite.New(e.rules, e.rewriteOptions(doc)...)
	if err != nil {
		return fmt.Errorf("covermark: %w", err)
	}
	res, err := rw.Rewrite(ctx, text)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		pr.Failed++
		dlog.Error("failed to rewrite document", zap.Error(err))
		return nil
	}
	if res.SyntaxErrors {
		dlog.Warn("document has syntax errors")
	}

	if !res.Changed() {
		led.checked(doc.Path, text)
		return nil
	}

	sol.SetDocumentText(doc, res.Source)
	pr.Changed++
	for _, m := range res.Marks {
		mc := MarkedClass{
			Project: doc.Project,
			File:    doc.Path,
			Class:   m.Class,
			Line:    m.Line,
			Reason:  m.Reason,
		}
		report.Marks = append(report.Marks, mc)
		led.mark(mc)
		dlog.Info("class marked", zap.String("class", m.Class), zap.Int("line", m.Line), zap.String("reason", m.Reason))
	}
	led.pending(doc.Path, res.Source)
	return nil
}

// rewriteOptions binds the predicates and scripts to doc.
func (e *Engine) rewriteOptions(doc *solution.Document) []rewrite.Option {
	opts := make([]rewrite.Option, 0, len(e.predicates)+len(e.scripts))
	for _, p := range e.predicates {
		opts = append(opts, rewrite.WithPredicate(p))
	}
	for _, s := range e.scripts {
		opts = append(opts, rewrite.WithPredicate(e.scriptPredicate(s, doc)))
	}
	return opts
}

func (e *Engine) scriptPredicate(s *runtime.Script, doc *solution.Document) rewrite.Predicate {
	return func(ctx context.Context, c rewrite.Class, src []byte) (string, bool, error) {
		ok, err := e.runtime.Evaluate(ctx, s, runtime.ClassInfo{
			Name:       c.Name,
			Attributes: c.Attributes,
			BaseTypes:  c.BaseTypes,
			FilePath:   doc.Path,
			Project:    doc.Project,
			Node:       c.Node,
			Source:     src,
		})
		if err != nil || !ok {
			return "", false, err
		}
		return "script:" + s.Label, true, nil
	}
}

func (e *Engine) logDiagnostic(d solution.Diagnostic) {
	fields := []zap.Field{zap.String("path", d.Path), zap.String("message", d.Message)}
	switch d.Kind {
	case solution.Failure:
		e.logger.Error("workspace failure", fields...)
	default:
		e.logger.Warn("workspace warning", fields...)
	}
}
