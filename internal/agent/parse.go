package agent

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ChunkText extracts the displayable text from one stream line. Agent CLIs
// emit JSON lines; plain text passes through unchanged so non-JSON agents
// still work.
func ChunkText(line string) string {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return line
	}
	for _, path := range []string{"text", "delta.text", "message.content.0.text", "content"} {
		if v := gjson.Get(trimmed, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

// ExtractResult finds the agent's final result payload in the accumulated
// output: the last JSON line of type "result". It returns the summary text
// and whether a result was present at all; an absent result means the
// attempt produced no usable outcome.
func ExtractResult(output string) (summary string, ok bool) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
			continue
		}
		if gjson.Get(line, "type").String() != "result" {
			continue
		}
		for _, path := range []string{"summary", "result", "text"} {
			if v := gjson.Get(line, path); v.Exists() && v.Type == gjson.String {
				return v.String(), true
			}
		}
		return "", true
	}
	return "", false
}
