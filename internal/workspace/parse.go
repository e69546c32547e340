package workspace

import (
	"bytes"
	"os"
	"sort"
	"strconv"
	"strings"
)

// numstat is one line of `git diff --numstat`.
type numstat struct {
	path       string
	insertions int
	deletions  int
}

// parseNumstat reads `git diff --numstat` output. Binary files report "-" for
// both counts and contribute zero.
func parseNumstat(raw string) []numstat {
	var out []numstat
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		ins, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		path := renamedPath(strings.TrimSpace(fields[2]))
		if path == "" {
			continue
		}
		out = append(out, numstat{path: path, insertions: ins, deletions: del})
	}
	return out
}

// renamedPath resolves "old => new" and "dir/{old => new}/file" forms to the
// new path.
func renamedPath(p string) string {
	if !strings.Contains(p, " => ") {
		return p
	}
	if open := strings.Index(p, "{"); open >= 0 {
		if end := strings.Index(p[open:], "}"); end >= 0 {
			inner := p[open+1 : open+end]
			_, after, _ := strings.Cut(inner, " => ")
			joined := p[:open] + after + p[open+end+1:]
			return strings.ReplaceAll(joined, "//", "/")
		}
	}
	_, after, _ := strings.Cut(p, " => ")
	return after
}

// parsePorcelain returns the paths listed by `git status --porcelain`.
func parsePorcelain(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if _, after, ok := strings.Cut(path, " -> "); ok {
			path = after
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			out = append(out, path)
		}
	}
	return out
}

// countLines returns the number of lines in a file, treating a final line
// without a newline as a line. Unreadable files count as zero.
func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return 0
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

func sortedUnique(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
