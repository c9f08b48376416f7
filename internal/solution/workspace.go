package solution

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// projectTypeCSharp lists the project type GUIDs of C# projects in .sln
// files (classic and SDK-style).
var projectTypeCSharp = map[string]bool{
	"FAE04EC0-301F-11D3-BF4B-00C04F79EFBC": true,
	"9A19103F-16F7-4668-BE54-9A1E7A4F7556": true,
}

// Workspace opens solutions and applies document changes to disk.
type Workspace struct {
	onDiagnostic func(Diagnostic)
	onApplied    func(path string)
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithDiagnosticHandler receives every diagnostic produced while loading.
func WithDiagnosticHandler(fn func(Diagnostic)) Option {
	return func(w *Workspace) {
		w.onDiagnostic = fn
	}
}

// WithAppliedHandler is called after each document is written to disk.
func WithAppliedHandler(fn func(path string)) Option {
	return func(w *Workspace) {
		w.onApplied = fn
	}
}

// NewWorkspace creates a Workspace.
func NewWorkspace(opts ...Option) *Workspace {
	w := &Workspace{}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workspace) report(d Diagnostic) {
	if w.onDiagnostic != nil {
		w.onDiagnostic(d)
	}
}

// Open loads a .sln, .slnx or .csproj file. Failing to read the solution
// file itself is an error; problems with individual projects are reported
// as diagnostics and the project is left out.
func (w *Workspace) Open(ctx context.Context, path string) (*Solution, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("solution: resolve %q: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("solution: open: %w", err)
	}
	dir := filepath.Dir(abs)

	var refs []projectRef
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".sln":
		refs, err = parseSln(bytes.NewReader(data), dir)
	case ".slnx":
		refs, err = parseSlnx(bytes.NewReader(stripBOM(data)), dir)
	case ".csproj":
		refs = []projectRef{{Name: projectNameFromPath(abs), Path: abs}}
	default:
		return nil, fmt.Errorf("solution: unsupported file type %q", filepath.Ext(abs))
	}
	if err != nil {
		return nil, err
	}

	sol := &Solution{ID: uuid.NewString(), Path: abs}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !isCSharpProject(ref) {
			w.report(Diagnostic{Kind: Warning, Path: ref.Path, Message: fmt.Sprintf("project %s is not a C# project, skipped", ref.Name)})
			continue
		}
		proj, diags, err := loadProject(ref.Path, ref.Name)
		for _, d := range diags {
			w.report(d)
		}
		if err != nil {
			w.report(Diagnostic{Kind: Failure, Path: ref.Path, Message: err.Error()})
			continue
		}
		sol.Projects = append(sol.Projects, proj)
	}
	return sol, nil
}

func isCSharpProject(ref projectRef) bool {
	if strings.EqualFold(filepath.Ext(ref.Path), ".csproj") {
		return true
	}
	return projectTypeCSharp[ref.TypeGUID]
}

// ApplyChanges writes every changed document of proj to disk and removes it
// from the overlay. It returns the number of documents written. Writing
// stops at the first failure; documents already written stay written.
func (w *Workspace) ApplyChanges(sol *Solution, proj *Project) (int, error) {
	written := 0
	for _, doc := range proj.Documents {
		text, ok := sol.overlay[doc.Path]
		if !ok {
			continue
		}
		if err := writeFileAtomic(doc.Path, text); err != nil {
			return written, fmt.Errorf("solution: apply %s: %w", doc.Path, err)
		}
		delete(sol.overlay, doc.Path)
		written++
		if w.onApplied != nil {
			w.onApplied(doc.Path)
		}
	}
	return written, nil
}

// writeFileAtomic replaces path with data via a temp file in the same
// directory, keeping the original file mode.
func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".covermark-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
