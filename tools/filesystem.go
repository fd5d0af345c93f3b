package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	policy *policy
}

func (t *ReadFileTool) Name() string { return "ReadFile" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a text file. Args: filename (string)."
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) Outcome {
	filename, ok := stringArg(args, "filename")
	if !ok {
		return Fail("missing or invalid 'filename' argument")
	}
	if denied, ok := t.policy.checkRead(filename); !ok {
		return denied
	}

	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return Fail("File '%s' not found", filename)
	}
	if err != nil {
		return Fail("Failed to read file '%s': %v", filename, err)
	}
	if info.IsDir() {
		return Fail("'%s' is a directory", filename)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return Fail("Failed to read file '%s': %v", filename, err)
	}
	if !utf8.Valid(data) {
		return Fail("Failed to read file '%s': not valid UTF-8 text", filename)
	}
	content := string(data)
	return Ok(content).
		With("lines", countLines(content)).
		With("size", len(data))
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	policy *policy
}

func (t *WriteFileTool) Name() string { return "WriteFile" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, creating parent directories and replacing existing content. Args: filename (string), content (string)."
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) Outcome {
	filename, pathOk := stringArg(args, "filename")
	content, contentOk := args["content"].(string)
	if !pathOk || !contentOk {
		return Fail("missing or invalid 'filename' or 'content' arguments")
	}
	if denied, ok := t.policy.checkWrite(filename); !ok {
		return denied
	}

	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Fail("Failed to write file '%s': %v", filename, err)
		}
	}
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		return Fail("Failed to write file '%s': %v", filename, err)
	}
	return Ok(fmt.Sprintf("Successfully wrote %d bytes to '%s'", len(content), filename)).
		With("size", len(content))
}

// ListDirectoryTool lists the entries of a single directory.
type ListDirectoryTool struct {
	policy *policy
}

func (t *ListDirectoryTool) Name() string { return "ListDirectory" }
func (t *ListDirectoryTool) Description() string {
	return "Lists directories and files in a directory. Args: directory (string, default '.'), show_hidden (bool, default false)."
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]interface{}) Outcome {
	directory := stringArgOr(args, "directory", ".")
	showHidden := boolArg(args, "show_hidden", false)
	if denied, ok := t.policy.checkRead(directory); !ok {
		return denied
	}

	info, err := os.Stat(directory)
	if os.IsNotExist(err) {
		return Fail("Directory '%s' not found", directory)
	}
	if err != nil {
		return Fail("Failed to list directory '%s': %v", directory, err)
	}
	if !info.IsDir() {
		return Fail("'%s' is not a directory", directory)
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		return Fail("Failed to list directory '%s': %v", directory, err)
	}

	var dirs, files []string
	for _, e := range entries {
		name := e.Name()
		if !showHidden && strings.HasPrefix(name, ".") {
			continue
		}
		if hidden, _ := isPathRestricted(filepath.Join(directory, name), t.policy.hiddenPatterns()); hidden {
			continue
		}
		if e.IsDir() {
			dirs = append(dirs, name+"/")
			continue
		}
		var size int64
		if fi, err := e.Info(); err == nil {
			size = fi.Size()
		}
		files = append(files, fmt.Sprintf("%s (%d bytes)", name, size))
	}
	sort.Strings(dirs)
	sort.Strings(files)

	var lines []string
	if len(dirs) > 0 {
		lines = append(lines, "Directories:")
		for _, d := range dirs {
			lines = append(lines, "  "+d)
		}
	}
	if len(files) > 0 {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, "Files:")
		for _, f := range files {
			lines = append(lines, "  "+f)
		}
	}

	result := "Empty directory"
	if len(lines) > 0 {
		result = strings.Join(lines, "\n")
	}
	return Ok(result).
		With("files_count", len(files)).
		With("directories_count", len(dirs))
}

func (p *policy) hiddenPatterns() []string {
	if p == nil {
		return nil
	}
	return p.hidden
}

// countLines counts lines the way a reader would: a trailing newline does not
// start a new line.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func stringArgOr(args map[string]interface{}, key, def string) string {
	if v, ok := stringArg(args, key); ok {
		return v
	}
	return def
}

func boolArg(args map[string]interface{}, key string, def bool) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}
