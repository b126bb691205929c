package localvault

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// frontmatterPattern matches a leading YAML frontmatter block, the same
// shape internal/chunk/markdown_chunker.go looks for when chunking notes
// for the code index.
var frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.+?)\n---\n*`)

// headerPattern matches a markdown header line, used to derive a note's
// title when no frontmatter title is set.
var headerPattern = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

// internalVersionKey is the frontmatter key used to track optimistic
// concurrency versions. It is stripped from the metadata map returned to
// callers so it never appears alongside user-authored frontmatter.
const internalVersionKey = "_oracle_version"

type parsedNote struct {
	metadata map[string]string
	version  int
	body     string
}

// parseNote splits raw file content into frontmatter metadata and body.
func parseNote(content string) *parsedNote {
	meta := map[string]string{}
	body := content

	if m := frontmatterPattern.FindStringSubmatch(content); m != nil {
		var raw map[string]any
		if err := yaml.Unmarshal([]byte(m[1]), &raw); err == nil {
			for k, v := range raw {
				meta[k] = fmt.Sprintf("%v", v)
			}
		}
		body = content[len(m[0]):]
	}

	version := 1
	if v, ok := meta[internalVersionKey]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			version = n
		}
		delete(meta, internalVersionKey)
	}

	return &parsedNote{metadata: meta, version: version, body: body}
}

// titleFor derives a note's display title: an explicit "title" frontmatter
// key wins, then the first markdown header, then the note's path.
func titleFor(notePath string, meta map[string]string, body string) string {
	if t, ok := meta["title"]; ok && strings.TrimSpace(t) != "" {
		return t
	}
	if m := headerPattern.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	return notePath
}

// renderNote serializes metadata + version + body back into frontmatter
// form for writing to disk.
func renderNote(meta map[string]string, version int, body string) (string, error) {
	raw := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		raw[k] = v
	}
	raw[internalVersionKey] = version

	fm, err := yaml.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("marshal frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimLeft(body, "\n"))
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	return b.String(), nil
}
