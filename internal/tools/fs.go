package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"scrivener/internal/llm"
)

const accessDenied = "Error: Access denied. Path must be within the workspace directory."

// registerCore installs the built-in tool set.
func (r *Registry) registerCore() {
	r.Register(Tool{Decl: lsDecl, ReadOnly: true, Run: r.runLs})
	r.Register(Tool{Decl: findDecl, ReadOnly: true, Run: r.runFind})
	r.Register(Tool{Decl: grepDecl, ReadOnly: true, Run: r.runGrep})
	r.Register(Tool{Decl: readDecl, ReadOnly: true, Run: r.runRead})
	r.Register(Tool{Decl: writeDecl, Write: true, Run: r.runWrite})
	r.Register(Tool{Decl: editDecl, Write: true, Run: r.runEdit})
	r.Register(Tool{Decl: execDecl, Write: true, Run: r.runExec})
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// JSON numbers decode as float64.
func intArg(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

func normalizePath(path string) string {
	path = strings.TrimPrefix(path, "workspace/")
	return strings.TrimPrefix(path, "./")
}

// isPathSafe rejects escapes from the workspace root, resolving symlinks on
// the target (or its parent when the target does not exist yet).
func isPathSafe(root, rel string) bool {
	if strings.Contains(rel, "..") || strings.HasPrefix(rel, "/") {
		return false
	}
	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}
	target := filepath.Join(root, rel)
	if _, err := os.Lstat(target); err == nil {
		real, err := filepath.EvalSymlinks(target)
		if err != nil {
			return false
		}
		return within(rootReal, real)
	}
	parentReal, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		return false
	}
	return within(rootReal, parentReal)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// resolve normalizes and safety-checks a path argument, returning the
// absolute target.
func (r *Registry) resolve(rel string) (abs, display string, ok bool) {
	display = normalizePath(rel)
	if display == "" {
		display = "."
	}
	if !isPathSafe(r.root, display) {
		return "", display, false
	}
	if display == "." {
		return r.root, display, true
	}
	return filepath.Join(r.root, display), display, true
}

type pathEntry struct {
	display string
	path    string
	isDir   bool
}

// collectPaths lists entries under target in sorted order, descending up to
// maxDepth when recursive.
func collectPaths(root, target string, recursive bool, maxDepth, depth int, out *[]pathEntry) error {
	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		rel, _ := filepath.Rel(root, target)
		*out = append(*out, pathEntry{display: filepath.ToSlash(rel), path: target})
		return nil
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		entryPath := filepath.Join(target, entry.Name())
		rel, _ := filepath.Rel(root, entryPath)
		display := filepath.ToSlash(rel)
		*out = append(*out, pathEntry{display: display, path: entryPath, isDir: entry.IsDir()})
		if recursive && entry.IsDir() && depth < maxDepth {
			if err := collectPaths(root, entryPath, recursive, maxDepth, depth+1, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) runLs(_ context.Context, args map[string]any) Result {
	target, display, ok := r.resolve(stringArg(args, "path"))
	if !ok {
		return Errorf(accessDenied)
	}
	recursive := boolArg(args, "recursive", false)
	maxDepth := intArg(args, "maxDepth", 2)

	info, err := os.Stat(target)
	if err != nil {
		return Errorf("Error: Path not found: %s", display)
	}
	if !info.IsDir() {
		return Success(fmt.Sprintf("FILE %s (%d bytes)", display, info.Size()))
	}

	var entries []pathEntry
	if err := collectPaths(r.root, target, recursive, maxDepth, 0, &entries); err != nil {
		return Errorf("Error listing path: %v", err)
	}
	if len(entries) == 0 {
		return Success(fmt.Sprintf("Directory %s is empty.", display))
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		kind := "FILE"
		if e.isDir {
			kind = "DIR"
		}
		lines = append(lines, kind+" "+e.display)
	}
	return Success(strings.Join(lines, "\n"))
}

func (r *Registry) runFind(_ context.Context, args map[string]any) Result {
	name := stringArg(args, "name")
	if name == "" {
		return Errorf("Error: Missing required argument `name`.")
	}
	target, display, ok := r.resolve(stringArg(args, "path"))
	if !ok {
		return Errorf(accessDenied)
	}
	recursive := boolArg(args, "recursive", true)
	caseSensitive := boolArg(args, "caseSensitive", false)
	maxMatches := intArg(args, "maxMatches", 50)
	maxDepth := intArg(args, "maxDepth", 8)

	if _, err := os.Stat(target); err != nil {
		return Errorf("Error: Path not found: %s", display)
	}
	var entries []pathEntry
	if err := collectPaths(r.root, target, recursive, maxDepth, 0, &entries); err != nil {
		return Errorf("Error scanning path: %v", err)
	}

	needle := name
	if !caseSensitive {
		needle = strings.ToLower(needle)
	}
	var matches []string
	for _, e := range entries {
		base := filepath.Base(e.path)
		if !caseSensitive {
			base = strings.ToLower(base)
		}
		if strings.Contains(base, needle) {
			kind := "FILE"
			if e.isDir {
				kind = "DIR"
			}
			matches = append(matches, kind+" "+e.display)
			if len(matches) >= maxMatches {
				break
			}
		}
	}
	if len(matches) == 0 {
		return Success(fmt.Sprintf("No paths matching `%s` under %s.", name, display))
	}
	return Success(strings.Join(matches, "\n"))
}

func (r *Registry) runGrep(_ context.Context, args map[string]any) Result {
	pattern := stringArg(args, "pattern")
	if pattern == "" {
		return Errorf("Error: Missing required argument `pattern`.")
	}
	target, display, ok := r.resolve(stringArg(args, "path"))
	if !ok {
		return Errorf(accessDenied)
	}
	recursive := boolArg(args, "recursive", true)
	caseSensitive := boolArg(args, "caseSensitive", false)
	maxMatches := intArg(args, "maxMatches", 50)

	if _, err := os.Stat(target); err != nil {
		return Errorf("Error: Path not found: %s", display)
	}
	var entries []pathEntry
	if err := collectPaths(r.root, target, recursive, 1<<30, 0, &entries); err != nil {
		return Errorf("Error scanning path: %v", err)
	}

	needle := pattern
	if !caseSensitive {
		needle = strings.ToLower(needle)
	}
	var matches []string
	for _, e := range entries {
		if e.isDir {
			continue
		}
		data, err := os.ReadFile(e.path)
		if err != nil {
			continue
		}
		for i, line := range strings.Split(string(data), "\n") {
			haystack := line
			if !caseSensitive {
				haystack = strings.ToLower(haystack)
			}
			if strings.Contains(haystack, needle) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", e.display, i+1, line))
				if len(matches) >= maxMatches {
					return Success(strings.Join(matches, "\n"))
				}
			}
		}
	}
	if len(matches) == 0 {
		return Success(fmt.Sprintf("No matches for `%s` under %s.", pattern, display))
	}
	return Success(strings.Join(matches, "\n"))
}

func (r *Registry) runRead(_ context.Context, args map[string]any) Result {
	rel := stringArg(args, "path")
	if rel == "" {
		return Errorf("Error: Missing required argument `path`.")
	}
	target, display, ok := r.resolve(rel)
	if !ok {
		return Errorf(accessDenied)
	}
	offset := intArg(args, "offset", 1)
	limit := intArg(args, "limit", 800)
	if offset < 1 {
		return Errorf("Error: `offset` must be >= 1.")
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return Errorf("Error: File not found: %s", display)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if offset > len(lines) {
		return Errorf("Error: offset %d is beyond file length %d", offset, len(lines))
	}
	end := offset - 1 + limit
	if end > len(lines) {
		end = len(lines)
	}
	return Success(strings.Join(lines[offset-1:end], "\n"))
}

func (r *Registry) runWrite(_ context.Context, args map[string]any) Result {
	rel := stringArg(args, "path")
	if rel == "" {
		return Errorf("Error: Missing required argument `path`.")
	}
	target, display, ok := r.resolve(rel)
	if !ok {
		return Errorf(accessDenied)
	}
	content, hasContent := args["content"].(string)
	if !hasContent {
		return Errorf("Error: Missing required argument `content`.")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Errorf("Error writing file: %v", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return Errorf("Error writing file: %v", err)
	}
	return Success("Successfully wrote to " + display)
}

func (r *Registry) runEdit(_ context.Context, args map[string]any) Result {
	rel := stringArg(args, "path")
	if rel == "" {
		return Errorf("Error: Missing required argument `path`.")
	}
	target, display, ok := r.resolve(rel)
	if !ok {
		return Errorf(accessDenied)
	}
	oldText := stringArg(args, "oldText")
	if oldText == "" {
		return Errorf("Error: Missing required argument `oldText`.")
	}
	newText, hasNew := args["newText"].(string)
	if !hasNew {
		return Errorf("Error: Missing required argument `newText`.")
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return Errorf("Error: File not found: %s", display)
	}
	content := string(data)
	switch n := strings.Count(content, oldText); {
	case n == 0:
		return Errorf("Error: oldText not found in %s", display)
	case n > 1:
		return Errorf("Error: oldText is not unique in %s (found %d occurrences)", display, n)
	}
	if err := os.WriteFile(target, []byte(strings.Replace(content, oldText, newText, 1)), 0o644); err != nil {
		return Errorf("Error writing file: %v", err)
	}
	return Success("Successfully edited " + display)
}

var lsDecl = llm.Declaration{
	Name:        "ls",
	Description: "List files and directories inside the workspace. Use this for discovery instead of shell access.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Path to inspect, relative to the workspace root. Defaults to '.'"},
			"recursive": map[string]any{"type": "boolean", "description": "Whether to descend into subdirectories"},
			"maxDepth":  map[string]any{"type": "number", "description": "Maximum recursion depth when recursive=true. Defaults to 2"},
		},
	},
}

var findDecl = llm.Declaration{
	Name:        "find",
	Description: "Find files or directories by name. Use this when you do not know the exact path yet.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":          map[string]any{"type": "string", "description": "Substring to match in file or directory names"},
			"path":          map[string]any{"type": "string", "description": "Path to search under, relative to the workspace root. Defaults to '.'"},
			"recursive":     map[string]any{"type": "boolean", "description": "Whether to search subdirectories. Defaults to true"},
			"caseSensitive": map[string]any{"type": "boolean", "description": "Whether matching should be case sensitive"},
			"maxMatches":    map[string]any{"type": "number", "description": "Maximum number of results to return. Defaults to 50"},
			"maxDepth":      map[string]any{"type": "number", "description": "Maximum recursion depth when recursive=true. Defaults to 8"},
		},
		"required": []string{"name"},
	},
}

var grepDecl = llm.Declaration{
	Name:        "grep",
	Description: "Search text files for a string pattern. Use this to find filenames, symbols, IDs, or text snippets inside the workspace.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern":       map[string]any{"type": "string", "description": "The text to search for"},
			"path":          map[string]any{"type": "string", "description": "Path to search under, relative to the workspace root. Defaults to '.'"},
			"recursive":     map[string]any{"type": "boolean", "description": "Whether to search subdirectories. Defaults to true"},
			"caseSensitive": map[string]any{"type": "boolean", "description": "Whether matching should be case sensitive"},
			"maxMatches":    map[string]any{"type": "number", "description": "Maximum number of matches to return. Defaults to 50"},
		},
		"required": []string{"pattern"},
	},
}

var readDecl = llm.Declaration{
	Name:        "read",
	Description: "Read the contents of a file. Supports line-based reading with offset and limit.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":   map[string]any{"type": "string", "description": "Path to the file to read (relative to the workspace root)"},
			"offset": map[string]any{"type": "number", "description": "Line number to start reading from (1-indexed)"},
			"limit":  map[string]any{"type": "number", "description": "Maximum number of lines to read"},
		},
		"required": []string{"path"},
	},
}

var writeDecl = llm.Declaration{
	Name:        "write",
	Description: "Write content to a file. Overwrites existing content. Creates parent directories.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path to the file to write (relative to the workspace root)"},
			"content": map[string]any{"type": "string", "description": "The content to write"},
		},
		"required": []string{"path", "content"},
	},
}

var editDecl = llm.Declaration{
	Name:        "edit",
	Description: "Precision surgical edit. Replaces an exact string with a new one. Fails if the old string is not unique or not found.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path to the file to edit"},
			"oldText": map[string]any{"type": "string", "description": "The EXACT text to find and replace"},
			"newText": map[string]any{"type": "string", "description": "The new text to replace it with"},
		},
		"required": []string{"path", "oldText", "newText"},
	},
}
