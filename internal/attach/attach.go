// Package attach normalizes attachment payloads into plain text the
// classifier can read. Markdown front matter is stripped, CSV rows are
// rendered as labelled lines, and JSON documents are flattened into
// key paths. Unrecognized formats pass through unchanged.
package attach

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxChars bounds the flattened text; classifier prompts truncate
// anyway, this just keeps huge attachments from being shuttled around.
const maxChars = 4000

// Flatten converts attachment text to plain prose based on its mime
// type. It never fails: anything that cannot be parsed is returned
// as-is, trimmed and capped.
func Flatten(mimeType, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	var out string
	switch normalizeMime(mimeType) {
	case "text/markdown":
		out = flattenMarkdown(text)
	case "text/csv", "text/tab-separated-values":
		out = flattenCSV(text, delimiterFor(mimeType))
	case "application/json":
		out = flattenJSON(text)
	default:
		out = text
	}

	out = strings.TrimSpace(out)
	if out == "" {
		out = text
	}
	if len(out) > maxChars {
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

func normalizeMime(mimeType string) string {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = strings.TrimSpace(m[:idx])
	}
	return m
}

func delimiterFor(mimeType string) rune {
	if normalizeMime(mimeType) == "text/tab-separated-values" {
		return '\t'
	}
	return ','
}

// flattenMarkdown strips YAML front matter and header markup, keeping
// the heading text inline so section context survives.
func flattenMarkdown(text string) string {
	body := stripFrontMatter(text)

	var b strings.Builder
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			trimmed = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
		b.WriteString(trimmed)
		b.WriteString("\n")
	}
	return b.String()
}

// stripFrontMatter removes a leading --- delimited YAML block.
func stripFrontMatter(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "---") {
		return text
	}
	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return text
	}
	return strings.TrimSpace(rest[idx+4:])
}

// flattenCSV renders each data row as "header: value" pairs on one
// line, treating the first row as headers. Inputs without a header row
// plus at least one data row pass through unchanged.
func flattenCSV(text string, comma rune) string {
	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = comma
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil || len(records) < 2 {
		return text
	}

	headers := records[0]
	var b strings.Builder
	for _, row := range records[1:] {
		var pairs []string
		for j, val := range row {
			val = strings.TrimSpace(val)
			if j >= len(headers) || val == "" {
				continue
			}
			pairs = append(pairs, strings.TrimSpace(headers[j])+": "+val)
		}
		if len(pairs) == 0 {
			continue
		}
		b.WriteString(strings.Join(pairs, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

// flattenJSON renders a JSON document as sorted "key.path: value"
// lines. Array elements get bracketed indices.
func flattenJSON(text string) string {
	var raw any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return text
	}

	pairs := map[string]string{}
	flattenValue("", raw, pairs)
	if len(pairs) == 0 {
		return text
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if k == "" {
			b.WriteString(pairs[k])
		} else {
			b.WriteString(k + ": " + pairs[k])
		}
		b.WriteString("\n")
	}
	return b.String()
}

func flattenValue(prefix string, v any, out map[string]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenValue(key, child, out)
		}
	case []any:
		for i, child := range val {
			flattenValue(fmt.Sprintf("%s[%d]", prefix, i), child, out)
		}
	case string:
		if strings.TrimSpace(val) != "" {
			out[prefix] = val
		}
	case float64:
		out[prefix] = strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		out[prefix] = strconv.FormatBool(val)
	case nil:
		// skip
	}
}
