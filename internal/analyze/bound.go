package analyze

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Output bounds. Model responses are never trusted to respect these; the
// parser enforces them after every call.
const (
	maxBookNameLen    = 100
	maxSummaryLen     = 2000
	maxTaskDescLen    = 500
	maxAssigneeLen    = 100
	maxEntityNameLen  = 100
	maxTasks          = 20
	maxEntities       = 50

	// Per-topic bounds for multi-topic splitting.
	maxTopicContentLen = 2000
	maxTopicSummaryLen = 1000
	maxTopicTasks      = 10
	maxTopicEntities   = 20
	maxTopicActions    = 10
)

// truncate cuts s to at most n bytes without splitting a rune, trimming
// trailing space.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.TrimSpace(s[:n])
}

// boundTasks truncates task fields and caps the slice.
func boundTasks(tasks []TaskItem, maxCount int) []TaskItem {
	if len(tasks) > maxCount {
		tasks = tasks[:maxCount]
	}
	out := make([]TaskItem, 0, len(tasks))
	for _, task := range tasks {
		desc := truncate(task.Description, maxTaskDescLen)
		if desc == "" {
			continue
		}
		out = append(out, TaskItem{
			Description: desc,
			Assignee:    truncate(task.Assignee, maxAssigneeLen),
			DueDate:     truncate(task.DueDate, 32),
			Priority:    normalizePriority(string(task.Priority)),
		})
	}
	return out
}

// boundEntities truncates entity names, normalizes types, and caps the slice.
func boundEntities(entities []EntityMention, maxCount int) []EntityMention {
	if len(entities) > maxCount {
		entities = entities[:maxCount]
	}
	out := make([]EntityMention, 0, len(entities))
	for _, e := range entities {
		name := truncate(e.Name, maxEntityNameLen)
		if name == "" {
			continue
		}
		out = append(out, EntityMention{
			Name: name,
			Type: normalizeEntityType(e.Type),
		})
	}
	return out
}

// extractJSON strips markdown code fences and leading prose so responses
// like "```json\n{...}\n```" still parse.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, "```"); idx != -1 {
		raw = raw[idx+3:]
		raw = strings.TrimPrefix(raw, "json")
		if end := strings.Index(raw, "```"); end != -1 {
			raw = raw[:end]
		}
	}
	start := strings.IndexAny(raw, "{[")
	if start > 0 {
		raw = raw[start:]
	}
	return strings.TrimSpace(raw)
}

func writeInt(sb *strings.Builder, v int64) {
	sb.WriteString(strconv.FormatInt(v, 10))
}

// clampConfidence forces a 0-100 integer confidence.
func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
