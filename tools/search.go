package tools

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

// searchConcurrency bounds the number of files TextSearch reads at once.
const searchConcurrency = 8

// GlobSearchTool finds files matching a glob pattern, recursively with **.
type GlobSearchTool struct {
	policy *policy
}

func (t *GlobSearchTool) Name() string { return "GlobSearch" }
func (t *GlobSearchTool) Description() string {
	return "Finds files matching a glob pattern such as '**/*.go'. Args: pattern (string), directory (string, default '.')."
}

func (t *GlobSearchTool) Execute(ctx context.Context, args map[string]interface{}) Outcome {
	pattern, ok := stringArg(args, "pattern")
	if !ok {
		return Fail("missing or invalid 'pattern' argument")
	}
	directory := stringArgOr(args, "directory", ".")
	if denied, ok := t.policy.checkRead(directory); !ok {
		return denied
	}

	matches, err := globFiles(directory, pattern, t.policy, false)
	if err != nil {
		return Fail("Failed to search files: %v", err)
	}
	if len(matches) == 0 {
		return Ok(fmt.Sprintf("No files found matching pattern '%s' in '%s'", pattern, directory)).
			With("matches", []string{})
	}

	lines := []string{fmt.Sprintf("Found %d files matching '%s':", len(matches), pattern)}
	for _, m := range matches {
		info, err := os.Stat(m)
		switch {
		case err != nil:
			lines = append(lines, "  "+m)
		case info.IsDir():
			lines = append(lines, "  "+m+"/")
		default:
			lines = append(lines, fmt.Sprintf("  %s (%d bytes)", m, info.Size()))
		}
	}
	return Ok(strings.Join(lines, "\n")).With("matches", matches)
}

// TextSearchTool searches file contents for a case-insensitive substring.
type TextSearchTool struct {
	policy *policy
}

func (t *TextSearchTool) Name() string { return "TextSearch" }
func (t *TextSearchTool) Description() string {
	return "Searches for text (case-insensitive) in files under a directory. Args: text (string), directory (string, default '.'), file_pattern (string, default '*')."
}

type fileMatches struct {
	path  string
	lines []string
}

func (t *TextSearchTool) Execute(ctx context.Context, args map[string]interface{}) Outcome {
	text, ok := stringArg(args, "text")
	if !ok {
		return Fail("missing or invalid 'text' argument")
	}
	directory := stringArgOr(args, "directory", ".")
	filePattern := stringArgOr(args, "file_pattern", "*")
	if denied, ok := t.policy.checkRead(directory); !ok {
		return denied
	}

	files, err := globFiles(directory, "**/"+filePattern, t.policy, true)
	if err != nil {
		return Fail("Failed to search in files: %v", err)
	}

	needle := strings.ToLower(text)
	results := make([]fileMatches, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(searchConcurrency)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = fileMatches{path: path, lines: searchFile(path, needle)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Fail("Failed to search in files: %v", err)
	}

	var out []string
	total, matched := 0, 0
	for _, r := range results {
		if len(r.lines) == 0 {
			continue
		}
		matched++
		total += len(r.lines)
		out = append(out, r.path+":")
		out = append(out, r.lines...)
		out = append(out, "")
	}
	if total == 0 {
		return Ok(fmt.Sprintf("No matches found for '%s' in %s", text, directory)).
			With("total_matches", 0)
	}

	header := fmt.Sprintf("Found %d matches for '%s':", total, text)
	return Ok(strings.TrimRight(header+"\n"+strings.Join(out, "\n"), "\n")).
		With("total_matches", total).
		With("files_matched", matched)
}

// searchFile returns the formatted matching lines of path. Unreadable, binary
// and non UTF-8 files yield no matches.
func searchFile(path, needle string) []string {
	data, err := os.ReadFile(path)
	if err != nil || bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return nil
	}
	var lines []string
	for i, line := range strings.Split(string(data), "\n") {
		if strings.Contains(strings.ToLower(line), needle) {
			lines = append(lines, fmt.Sprintf("  Line %d: %s", i+1, strings.TrimSpace(line)))
		}
	}
	return lines
}

// globFiles returns the sorted paths under directory matching pattern, joined
// with directory. Dot-entries are skipped unless the pattern names one, and
// paths hidden by the policy are dropped. When filesOnly is set, directories
// are dropped too.
func globFiles(directory, pattern string, p *policy, filesOnly bool) ([]string, error) {
	pattern = filepath.ToSlash(pattern)
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern '%s'", pattern)
	}
	dotted := namesDotEntry(pattern)

	fsys := os.DirFS(directory)
	var out []string
	err := fs.WalkDir(fsys, ".", func(rel string, d fs.DirEntry, err error) error {
		if err != nil || rel == "." {
			return nil
		}
		if !dotted && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ok, _ := doublestar.Match(pattern, rel); !ok {
			return nil
		}
		if filesOnly {
			info, err := fs.Stat(fsys, rel)
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}
		}
		full := filepath.Join(directory, filepath.FromSlash(rel))
		if hidden, _ := isPathRestricted(full, p.hiddenPatterns()); hidden {
			return nil
		}
		out = append(out, full)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// namesDotEntry reports whether some segment of pattern explicitly starts
// with a dot, as in '.github/**' or '**/.env'.
func namesDotEntry(pattern string) bool {
	for _, seg := range strings.Split(pattern, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}
