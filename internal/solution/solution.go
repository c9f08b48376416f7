// Package solution loads the project/document graph of a C# solution and
// persists rewritten documents back to disk.
//
// It understands the subset of MSBuild needed to enumerate compile items:
// .sln and .slnx solution files, SDK-style projects with their default
// **/*.cs glob, and explicit Compile Include/Remove/Exclude items. Anything
// it cannot evaluate is reported as a Diagnostic rather than failing the load.
package solution

import (
	"fmt"
	"os"
	"sort"
)

// DiagnosticKind classifies a workspace diagnostic.
type DiagnosticKind int

const (
	Warning DiagnosticKind = iota
	Failure
)

func (k DiagnosticKind) String() string {
	switch k {
	case Warning:
		return "warning"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("DiagnosticKind(%d)", int(k))
	}
}

// Diagnostic is a non-fatal problem found while loading a solution.
type Diagnostic struct {
	Kind    DiagnosticKind
	Path    string
	Message string
}

func (d Diagnostic) String() string {
	if d.Path == "" {
		return d.Message
	}
	return d.Path + ": " + d.Message
}

// Document is one C# source file of a project.
type Document struct {
	Name    string
	Path    string
	Project string
}

// Project is a loaded project and its compile documents, sorted by path.
type Project struct {
	Name      string
	Path      string
	Documents []*Document
}

// Solution is the in-memory solution model. Document text changes are held
// in an overlay until the owning Workspace applies them.
type Solution struct {
	ID       string
	Path     string
	Projects []*Project

	overlay map[string][]byte
}

// Text returns the current text of doc: the overlay if the document was
// changed, otherwise the file on disk.
func (s *Solution) Text(doc *Document) ([]byte, error) {
	if text, ok := s.overlay[doc.Path]; ok {
		return text, nil
	}
	data, err := os.ReadFile(doc.Path)
	if err != nil {
		return nil, fmt.Errorf("solution: read %s: %w", doc.Path, err)
	}
	return data, nil
}

// SetDocumentText records new text for doc in the overlay.
func (s *Solution) SetDocumentText(doc *Document, text []byte) {
	if s.overlay == nil {
		s.overlay = make(map[string][]byte)
	}
	s.overlay[doc.Path] = text
}

// ChangedDocuments returns the paths with unapplied text, sorted.
func (s *Solution) ChangedDocuments() []string {
	paths := make([]string, 0, len(s.overlay))
	for p := range s.overlay {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
