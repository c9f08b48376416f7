package solution

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jward/covermark/internal/runtime"
)

// msbuildProject is the part of a project file that decides compile items.
// Tags carry no namespace so legacy projects with the 2003 MSBuild xmlns
// decode the same way as SDK-style ones.
type msbuildProject struct {
	XMLName        xml.Name        `xml:"Project"`
	Sdk            string          `xml:"Sdk,attr"`
	SdkElements    []sdkElement    `xml:"Sdk"`
	PropertyGroups []propertyGroup `xml:"PropertyGroup"`
	ItemGroups     []itemGroup     `xml:"ItemGroup"`
}

type sdkElement struct {
	Name string `xml:"Name,attr"`
}

type propertyGroup struct {
	EnableDefaultItems        string `xml:"EnableDefaultItems"`
	EnableDefaultCompileItems string `xml:"EnableDefaultCompileItems"`
}

type itemGroup struct {
	Compile []compileItem `xml:"Compile"`
}

type compileItem struct {
	Include string `xml:"Include,attr"`
	Exclude string `xml:"Exclude,attr"`
	Remove  string `xml:"Remove,attr"`
}

// skipDirs are the output directories directly under the project directory
// that the default compile glob leaves out. Nested folders of the same name
// are ordinary source folders.
var skipDirs = map[string]bool{
	"bin": true,
	"obj": true,
}

func (p *msbuildProject) sdkStyle() bool {
	return p.Sdk != "" || len(p.SdkElements) > 0
}

func (p *msbuildProject) defaultCompileItems() bool {
	if !p.sdkStyle() {
		return false
	}
	for _, pg := range p.PropertyGroups {
		if isFalse(pg.EnableDefaultItems) || isFalse(pg.EnableDefaultCompileItems) {
			return false
		}
	}
	return true
}

func isFalse(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "false")
}

// projectLoader evaluates one project file.
type projectLoader struct {
	path  string
	dir   string
	diags []Diagnostic
}

func (l *projectLoader) warn(format string, args ...any) {
	l.diags = append(l.diags, Diagnostic{Kind: Warning, Path: l.path, Message: fmt.Sprintf(format, args...)})
}

// loadProject reads the project file at path and enumerates its C# compile
// documents. A project file that cannot be read or decoded is returned as an
// error; smaller problems come back as diagnostics.
func loadProject(path, name string) (*Project, []Diagnostic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("solution: read project: %w", err)
	}
	var mp msbuildProject
	if err := xml.NewDecoder(bytes.NewReader(stripBOM(data))).Decode(&mp); err != nil {
		return nil, nil, fmt.Errorf("solution: decode project: %w", err)
	}

	l := &projectLoader{path: path, dir: filepath.Dir(path)}
	files := make(map[string]bool)

	if mp.defaultCompileItems() {
		if err := l.defaultGlob(files); err != nil {
			return nil, l.diags, err
		}
	}
	for _, ig := range mp.ItemGroups {
		for _, item := range ig.Compile {
			l.applyItem(item, files)
		}
	}

	proj := &Project{Name: name, Path: path}
	for p := range files {
		if _, ok := runtime.LanguageForFile(p); !ok {
			continue
		}
		proj.Documents = append(proj.Documents, &Document{
			Name:    filepath.Base(p),
			Path:    p,
			Project: name,
		})
	}
	sort.Slice(proj.Documents, func(i, j int) bool {
		return proj.Documents[i].Path < proj.Documents[j].Path
	})
	return proj, l.diags, nil
}

// defaultGlob adds **/*.cs under the project directory, skipping hidden
// directories and the top-level bin and obj.
func (l *projectLoader) defaultGlob(files map[string]bool) error {
	err := filepath.WalkDir(l.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if p == l.dir {
				return nil
			}
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if filepath.Dir(p) == l.dir && skipDirs[strings.ToLower(name)] {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := runtime.LanguageForFile(p); ok {
			files[p] = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("solution: walk %s: %w", l.dir, err)
	}
	return nil
}

// applyItem evaluates one Compile element against the running item set.
func (l *projectLoader) applyItem(item compileItem, files map[string]bool) {
	if item.Remove != "" {
		for _, pattern := range l.patterns(item.Remove) {
			for p := range files {
				if matchPath(pattern, p) {
					delete(files, p)
				}
			}
		}
	}
	if item.Include == "" {
		return
	}
	excludes := l.patterns(item.Exclude)
	for _, pattern := range l.patterns(item.Include) {
		for _, p := range l.expand(pattern) {
			excluded := false
			for _, ex := range excludes {
				if matchPath(ex, p) {
					excluded = true
					break
				}
			}
			if !excluded {
				files[p] = true
			}
		}
	}
}

// patterns splits an MSBuild item spec on ';' and returns absolute,
// slash-separated patterns. Specs referencing properties or item transforms
// cannot be evaluated here and are reported.
func (l *projectLoader) patterns(spec string) []string {
	var out []string
	for _, raw := range strings.Split(spec, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "$(") || strings.Contains(raw, "@(") || strings.Contains(raw, "%(") {
			l.warn("cannot evaluate item spec %q", raw)
			continue
		}
		p := strings.ReplaceAll(raw, `\`, "/")
		if !path.IsAbs(p) && !filepath.IsAbs(filepath.FromSlash(p)) {
			p = path.Join(filepath.ToSlash(l.dir), p)
		}
		out = append(out, path.Clean(p))
	}
	return out
}

// expand resolves an absolute slash pattern to existing files.
func (l *projectLoader) expand(pattern string) []string {
	base, rest := doublestar.SplitPattern(pattern)
	if rest == "" || !hasMeta(rest) {
		p := filepath.FromSlash(pattern)
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			l.warn("compile item %s not found", pattern)
			return nil
		}
		return []string{p}
	}

	matches, err := doublestar.Glob(os.DirFS(filepath.FromSlash(base)), rest)
	if err != nil {
		l.warn("bad compile pattern %q: %v", pattern, err)
		return nil
	}
	var out []string
	for _, m := range matches {
		p := filepath.Join(filepath.FromSlash(base), filepath.FromSlash(m))
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			out = append(out, p)
		}
	}
	return out
}

// matchPath reports whether the OS path p matches the absolute slash pattern.
func matchPath(pattern, p string) bool {
	ok, err := doublestar.Match(pattern, filepath.ToSlash(p))
	return err == nil && ok
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
