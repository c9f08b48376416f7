package solution

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
)

// solutionFolderType is the project type GUID Visual Studio uses for
// solution folders, which have no project file.
const solutionFolderType = "2150E333-8FDC-42A3-9474-1A3956D46DE8"

// projectRef is one project entry of a solution file.
type projectRef struct {
	Name     string
	Path     string // absolute, OS separators
	TypeGUID string
}

// Project("{FAE04EC0-301F-11D3-BF4B-00C04F79EFBC}") = "App", "src\App\App.csproj", "{GUID}"
var slnProjectLine = regexp.MustCompile(`^Project\("\{([0-9A-Fa-f-]+)\}"\)\s*=\s*"([^"]*)"\s*,\s*"([^"]*)"\s*,\s*"\{[0-9A-Fa-f-]+\}"`)

// parseSln reads the project entries of a classic .sln file. Paths are
// resolved against dir.
func parseSln(r io.Reader, dir string) ([]projectRef, error) {
	var refs []projectRef
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}
		m := slnProjectLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		if strings.EqualFold(m[1], solutionFolderType) {
			continue
		}
		refs = append(refs, projectRef{
			Name:     m[2],
			Path:     resolvePath(dir, m[3]),
			TypeGUID: strings.ToUpper(m[1]),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("solution: scan sln: %w", err)
	}
	return refs, nil
}

// parseSlnx reads the project entries of an XML .slnx file. Projects may be
// nested in any number of Folder elements.
func parseSlnx(r io.Reader, dir string) ([]projectRef, error) {
	dec := xml.NewDecoder(r)
	var refs []projectRef
	sawSolution := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("solution: decode slnx: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "Solution":
			sawSolution = true
		case "Project":
			var path, name string
			for _, a := range se.Attr {
				switch a.Name.Local {
				case "Path":
					path = a.Value
				case "DisplayName", "Name":
					name = a.Value
				}
			}
			if path == "" {
				continue
			}
			if name == "" {
				name = projectNameFromPath(path)
			}
			refs = append(refs, projectRef{Name: name, Path: resolvePath(dir, path)})
		}
	}
	if !sawSolution {
		return nil, errors.New("solution: slnx has no Solution element")
	}
	return refs, nil
}

// resolvePath turns a solution- or project-relative path, which may use
// Windows separators, into an absolute OS path.
func resolvePath(dir, p string) string {
	p = filepath.FromSlash(strings.ReplaceAll(p, `\`, "/"))
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(dir, p)
}

func projectNameFromPath(p string) string {
	base := filepath.Base(filepath.FromSlash(strings.ReplaceAll(p, `\`, "/")))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// stripBOM removes a UTF-8 byte order mark.
func stripBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
}
