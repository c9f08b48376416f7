package runtime

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"
	"go.uber.org/zap"
)

// BuiltinPrefix marks a script reference that resolves against the embedded
// scripts filesystem, e.g. "builtin:nunit" -> "rules/nunit.risor".
const BuiltinPrefix = "builtin:"

// Runtime embeds a Risor VM and evaluates class rule scripts. Scripts receive
// the candidate class (name, attributes, base types, tree-sitter node) as
// globals and produce a truthy value when the class should be marked.
type Runtime struct {
	scriptsDir string
	fsys       fs.FS
	logger     *zap.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeFS configures the filesystem that "builtin:" script references
// and Risor import statements resolve against.
func WithRuntimeFS(fsys fs.FS) RuntimeOption {
	return func(r *Runtime) {
		r.fsys = fsys
	}
}

// WithRuntimeLogger routes the scripts' log object to logger.
func WithRuntimeLogger(logger *zap.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// NewRuntime creates a Runtime. Relative script paths resolve against
// scriptsDir, which may be empty to use the working directory.
func NewRuntime(scriptsDir string, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		scriptsDir: scriptsDir,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Script is a loaded rule script.
type Script struct {
	Label  string
	Source string
}

// ClassInfo is the data a rule script sees for one class declaration.
type ClassInfo struct {
	Name       string
	Attributes []string
	BaseTypes  []string
	FilePath   string
	Project    string

	// Node is the class_declaration node; Source is the document it was
	// parsed from. Both may be nil for synthetic candidates.
	Node   *sitter.Node
	Source []byte
}

// Load resolves a script reference. "builtin:<name>" reads
// rules/<name>.risor from the embedded filesystem; anything else is a path on
// disk.
func (r *Runtime) Load(ref string) (*Script, error) {
	if name, ok := strings.CutPrefix(ref, BuiltinPrefix); ok {
		if r.fsys == nil {
			return nil, fmt.Errorf("runtime: builtin script %q: no embedded scripts configured", name)
		}
		path := RuleScriptPath(name)
		data, err := fs.ReadFile(r.fsys, path)
		if err != nil {
			return nil, fmt.Errorf("runtime: loading builtin script %s: %w", path, err)
		}
		return &Script{Label: ref, Source: string(data)}, nil
	}

	src, err := r.LoadScript(ref)
	if err != nil {
		return nil, err
	}
	return &Script{Label: ref, Source: src}, nil
}

// LoadScript reads a .risor file from disk and returns its source code.
func (r *Runtime) LoadScript(path string) (string, error) {
	fullPath := path
	if !filepath.IsAbs(path) && r.scriptsDir != "" {
		fullPath = filepath.Join(r.scriptsDir, path)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("runtime: loading script %s: %w", fullPath, err)
	}
	return string(data), nil
}

// RuleScriptPath returns the embedded path of a builtin rule script.
func RuleScriptPath(name string) string {
	return "rules/" + name + ".risor"
}

// Evaluate runs script against class and reports whether the script's final
// value is truthy.
func (r *Runtime) Evaluate(ctx context.Context, script *Script, class ClassInfo) (bool, error) {
	result, err := r.eval(ctx, script.Source, script.Label, r.classGlobals(class))
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

// RunSource executes Risor source code directly with the standard host
// functions plus any extra globals. Useful for testing without script files.
func (r *Runtime) RunSource(ctx context.Context, source string, extraGlobals map[string]any) (object.Object, error) {
	return r.eval(ctx, source, "<inline>", extraGlobals)
}

func (r *Runtime) eval(ctx context.Context, source, label string, extraGlobals map[string]any) (object.Object, error) {
	globals := r.buildGlobals(extraGlobals)

	var opts []risor.Option
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
	}

	// Wire importer so Risor import statements resolve correctly.
	if imp := r.buildImporter(globals); imp != nil {
		opts = append(opts, risor.WithImporter(imp))
	}

	result, err := risor.Eval(ctx, source, opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: script %s: %w", label, err)
	}
	return result, nil
}

// buildImporter returns a Risor importer configured for the Runtime's script source.
// Returns nil if neither fs.FS nor scriptsDir is configured.
func (r *Runtime) buildImporter(globals map[string]any) importer.Importer {
	globalNames := make([]string, 0, len(globals))
	for name := range globals {
		globalNames = append(globalNames, name)
	}

	if r.scriptsDir != "" {
		return importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: globalNames,
			SourceDir:   r.scriptsDir,
			Extensions:  []string{".risor"},
		})
	}
	if r.fsys != nil {
		return importer.NewFSImporter(importer.FSImporterOptions{
			GlobalNames: globalNames,
			SourceFS:    r.fsys,
			Extensions:  []string{".risor"},
		})
	}
	return nil
}

// buildGlobals constructs the set of globals every script sees.
func (r *Runtime) buildGlobals(extra map[string]any) map[string]any {
	globals := map[string]any{
		"node_child": makeNodeChildFn(),
		"log":        mustProxy(&logObject{logger: r.logger}),
	}
	for k, v := range extra {
		globals[k] = v
	}
	return globals
}

// classGlobals exposes one class candidate to a script.
func (r *Runtime) classGlobals(c ClassInfo) map[string]any {
	// node_text and query are always defined so scripts compile the same way
	// whether or not a node is attached.
	lang, _ := ParserForLanguage("csharp")
	g := map[string]any{
		"class_name": object.NewString(c.Name),
		"attributes": stringList(c.Attributes),
		"base_types": stringList(c.BaseTypes),
		"file_path":  object.NewString(c.FilePath),
		"project":    object.NewString(c.Project),
		"class_node": object.Nil,
		"node_text":  makeNodeTextFn(c.Source),
		"query":      makeQueryFn(c.Source, lang),
	}
	if c.Node != nil {
		g["class_node"] = mustProxy(c.Node)
	}
	return g
}

func stringList(values []string) *object.List {
	items := make([]object.Object, 0, len(values))
	for _, v := range values {
		items = append(items, object.NewString(v))
	}
	return object.NewList(items)
}

func truthy(obj object.Object) bool {
	if obj == nil {
		return false
	}
	if b, ok := obj.(*object.Bool); ok {
		return b.Value()
	}
	return obj.IsTruthy()
}

func mustProxy(v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		panic(fmt.Sprintf("runtime: proxy error: %v", err))
	}
	return p
}
