package worktree

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// StatePath is a file or directory the process writes while running.
type StatePath struct {
	Name string
	Path string
	Dir  bool
}

// Exposed returns the state paths that sit inside the tree without being
// excluded by its .gitignore files. A publish commits every one of them.
func (g *Guard) Exposed(paths ...StatePath) ([]StatePath, error) {
	patterns, err := gitignore.ReadPatterns(osfs.New(g.root), nil)
	if err != nil {
		return nil, fmt.Errorf("read ignore patterns under %s: %w", g.root, err)
	}
	matcher := gitignore.NewMatcher(patterns)

	var exposed []StatePath
	for _, sp := range paths {
		if strings.TrimSpace(sp.Path) == "" {
			continue
		}
		abs, err := filepath.Abs(sp.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", sp.Name, err)
		}
		rel, err := filepath.Rel(g.root, abs)
		if err != nil || outside(rel) {
			continue
		}
		if rel == "." {
			exposed = append(exposed, sp)
			continue
		}
		if !ignored(matcher, strings.Split(filepath.ToSlash(rel), "/"), sp.Dir) {
			exposed = append(exposed, sp)
		}
	}
	return exposed, nil
}

// ignored checks every ancestor first; git never re-includes a path whose
// parent directory is excluded.
func ignored(m gitignore.Matcher, parts []string, isDir bool) bool {
	for i := range parts {
		last := i == len(parts)-1
		if m.Match(parts[:i+1], !last || isDir) {
			return true
		}
	}
	return false
}

func outside(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
