package analyze

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	if got := truncate("  hola  ", 100); got != "hola" {
		t.Errorf("expected trimmed string, got %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := truncate(long, 50); len(got) != 50 {
		t.Errorf("expected 50 chars, got %d", len(got))
	}
}

func TestBoundTasks(t *testing.T) {
	tasks := make([]TaskItem, 30)
	for i := range tasks {
		tasks[i] = TaskItem{Description: strings.Repeat("d", 600), Assignee: strings.Repeat("a", 200)}
	}
	out := boundTasks(tasks, maxTasks)
	if len(out) != maxTasks {
		t.Fatalf("expected %d tasks, got %d", maxTasks, len(out))
	}
	for _, task := range out {
		if len(task.Description) > maxTaskDescLen {
			t.Errorf("description over cap: %d", len(task.Description))
		}
		if len(task.Assignee) > maxAssigneeLen {
			t.Errorf("assignee over cap: %d", len(task.Assignee))
		}
		if task.Priority != PriorityMedium {
			t.Errorf("missing priority should default MEDIUM, got %v", task.Priority)
		}
	}
}

func TestBoundTasks_DropsEmptyDescriptions(t *testing.T) {
	out := boundTasks([]TaskItem{{Description: "   "}, {Description: "real"}}, maxTasks)
	if len(out) != 1 || out[0].Description != "real" {
		t.Errorf("unexpected tasks: %+v", out)
	}
}

func TestBoundEntities(t *testing.T) {
	entities := make([]EntityMention, 80)
	for i := range entities {
		entities[i] = EntityMention{Name: strings.Repeat("n", 300), Type: "person"}
	}
	out := boundEntities(entities, maxEntities)
	if len(out) != maxEntities {
		t.Fatalf("expected %d entities, got %d", maxEntities, len(out))
	}
	for _, e := range out {
		if len(e.Name) > maxEntityNameLen {
			t.Errorf("entity name over cap: %d", len(e.Name))
		}
		if e.Type != "PERSON" {
			t.Errorf("expected PERSON, got %q", e.Type)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no lang", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"leading prose", "Here is the result: {\"a\":1}", `{"a":1}`},
		{"array", `[1,2]`, `[1,2]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractJSON(tc.in); got != tc.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestClampConfidence(t *testing.T) {
	if clampConfidence(-5) != 0 || clampConfidence(150) != 100 || clampConfidence(85) != 85 {
		t.Error("clampConfidence bounds wrong")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("ñ", 10) // 2 bytes per rune
	got := truncate(s, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if got != "ññ" {
		t.Errorf("expected 2 whole runes, got %q", got)
	}
}
