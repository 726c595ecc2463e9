package sync

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-billy/v5"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is read from the sync root when present. It uses gitignore
// syntax; matching paths are neither uploaded nor deleted.
const IgnoreFileName = ".treesyncignore"

type ignoreRules struct {
	globs []string
	file  *gitignore.GitIgnore
}

func newIgnoreRules(globs []string) (*ignoreRules, error) {
	for _, p := range globs {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	return &ignoreRules{globs: globs}, nil
}

// loadFile compiles IgnoreFileName from the root of fs. A missing file is
// not an error.
func (r *ignoreRules) loadFile(fs billy.Filesystem) error {
	f, err := fs.Open(IgnoreFileName)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", IgnoreFileName, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", IgnoreFileName, err)
	}
	r.file = gitignore.CompileIgnoreLines(lines...)
	return nil
}

// match reports whether rel, or any directory above it, is ignored.
func (r *ignoreRules) match(rel string, isDir bool) bool {
	if len(r.globs) == 0 && r.file == nil {
		return false
	}
	if isDir && r.file != nil && r.file.MatchesPath(rel+"/") {
		return true
	}
	for p := rel; p != "." && p != ""; p = path.Dir(p) {
		for _, pattern := range r.globs {
			if ok, _ := doublestar.Match(pattern, p); ok {
				return true
			}
		}
	}
	return r.file != nil && r.file.MatchesPath(rel)
}
