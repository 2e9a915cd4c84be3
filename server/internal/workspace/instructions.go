package workspace

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"
)

//go:embed templates/*.md.tmpl
var templatesFS embed.FS

var instructionsTemplate = template.Must(
	template.New("").ParseFS(templatesFS, "templates/*.md.tmpl"),
)

// InstructionsFile is the name of the generated document in the sandbox root.
const InstructionsFile = "AGENTS.md"

// connectorDepth bounds how far below a knowledge source's top-level
// directory the instructions document describes. Sources whose layout is
// self-explanatory (a mailbox, a chat export) only need their name.
var connectorDepth = map[string]int{
	"gmail":        0,
	"slack":        0,
	"web":          0,
	"github":       1,
	"gitlab":       1,
	"jira":         1,
	"linear":       1,
	"zendesk":      1,
	"confluence":   2,
	"google_drive": 2,
	"notion":       2,
	"sharepoint":   2,
	"user_library": 2,
	"file":         2,
}

const (
	defaultDepth   = 1
	maxDirEntries  = 25
	indentPerLevel = "  "
)

// DepthFor returns the scan depth for a connector source directory.
func DepthFor(source string) int {
	if d, ok := connectorDepth[strings.ToLower(source)]; ok {
		return d
	}
	return defaultDepth
}

// Source is one knowledge source as it appears in the instructions.
type Source struct {
	Name  string
	Lines []string
}

// InstructionsData is the input to RenderInstructions.
type InstructionsData struct {
	PreviewPort int
	Sources     []Source
}

// ScanKnowledge describes each top-level directory of fsys down to the
// depth allowed for its connector. Files at the top level are ignored.
func ScanKnowledge(fsys fs.FS) ([]Source, error) {
	top, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge root: %w", err)
	}
	var sources []Source
	for _, entry := range top {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		lines, err := describe(fsys, entry.Name(), DepthFor(entry.Name()), 0)
		if err != nil {
			return nil, err
		}
		sources = append(sources, Source{Name: entry.Name(), Lines: lines})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	return sources, nil
}

// ScanKnowledgeDir is ScanKnowledge over a directory on disk. A missing or
// empty dir yields no sources.
func ScanKnowledgeDir(dir string) ([]Source, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return ScanKnowledge(os.DirFS(dir))
}

func describe(fsys fs.FS, dir string, depth, level int) ([]string, error) {
	if depth <= 0 {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	indent := strings.Repeat(indentPerLevel, level)
	var lines []string
	for i, entry := range entries {
		if i == maxDirEntries {
			lines = append(lines, fmt.Sprintf("%s(%d more)", indent, len(entries)-maxDirEntries))
			break
		}
		if !entry.IsDir() {
			lines = append(lines, indent+entry.Name())
			continue
		}
		lines = append(lines, indent+entry.Name()+"/")
		children, err := describe(fsys, path.Join(dir, entry.Name()), depth-1, level+1)
		if err != nil {
			return nil, err
		}
		lines = append(lines, children...)
	}
	return lines, nil
}

// RenderInstructions renders the agent instructions document.
func RenderInstructions(data InstructionsData) ([]byte, error) {
	var buf bytes.Buffer
	if err := instructionsTemplate.ExecuteTemplate(&buf, "AGENTS.md.tmpl", data); err != nil {
		return nil, fmt.Errorf("failed to render instructions: %w", err)
	}
	return buf.Bytes(), nil
}
