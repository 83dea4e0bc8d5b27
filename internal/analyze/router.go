package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nvalderrama/bitacora/internal/llm"
	"github.com/nvalderrama/bitacora/internal/preprocess"
)

// Step identifies one pipeline stage.
type Step string

const (
	StepPreprocess Step = "preprocess"
	StepClassify   Step = "classify"
	StepExtract    Step = "extract"
	StepAnalyze    Step = "analyze"
	StepSummarize  Step = "summarize"
)

var validSteps = map[Step]bool{
	StepPreprocess: true,
	StepClassify:   true,
	StepExtract:    true,
	StepAnalyze:    true,
	StepSummarize:  true,
}

// RouteInput carries the metadata the router decides on.
type RouteInput struct {
	Length        preprocess.Length
	HasAttachment bool
	Model         string // per-request model override for the AI router
}

// RouteSteps returns the deterministic rule-table routing.
//
//	short, no attachment:  preprocess, classify, summarize
//	short, attachment:     preprocess, classify, extract, summarize
//	long (either):         preprocess, classify, extract, analyze, summarize
func RouteSteps(in RouteInput) []Step {
	if in.Length == preprocess.LengthShort {
		if in.HasAttachment {
			return []Step{StepPreprocess, StepClassify, StepExtract, StepSummarize}
		}
		return []Step{StepPreprocess, StepClassify, StepSummarize}
	}
	return []Step{StepPreprocess, StepClassify, StepExtract, StepAnalyze, StepSummarize}
}

const routerSystemPrompt = `You are a pipeline router for a note-capture system. Given a note and its metadata, choose which analysis steps to run.

AVAILABLE STEPS: preprocess, classify, extract, analyze, summarize

Guidance:
- Short factual notes need only light handling
- Longer notes or notes with attachments benefit from extraction and deeper analysis
- Never skip classification

Return ONLY a JSON object: {"steps": ["preprocess", "classify", "summarize"]}`

type routerResponse struct {
	Steps []string `json:"steps"`
}

// RouteStepsAI asks the model to route, falling back to the rule table on
// any provider failure. The result is always sanitized: preprocess first,
// summarize last, unknown steps dropped. The fallback is a hard
// requirement — routing must survive a provider outage.
func RouteStepsAI(ctx context.Context, c Completer, text string, in RouteInput) []Step {
	prompt := fmt.Sprintf("Note metadata: length=%s, has_attachment=%t\n\nNote:\n%s\n\nReturn the steps JSON.",
		in.Length, in.HasAttachment, truncate(text, 1500))

	raw, err := c.Complete(ctx, prompt, llm.CompletionOpts{
		System:      routerSystemPrompt,
		Format:      "json",
		Temperature: 0.1,
		MaxTokens:   200,
		Model:       in.Model,
	})
	if err != nil {
		slog.Debug("ai router failed, using rule table", "error", err)
		return RouteSteps(in)
	}

	var resp routerResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		slog.Debug("ai router returned unparseable steps, using rule table", "error", err)
		return RouteSteps(in)
	}

	steps := sanitizeSteps(resp.Steps)
	if len(steps) == 0 {
		return RouteSteps(in)
	}
	return steps
}

// sanitizeSteps drops unknown steps, dedupes, and pins preprocess to the
// front and summarize to the back regardless of what the model returned.
func sanitizeSteps(raw []string) []Step {
	seen := map[Step]bool{}
	middle := make([]Step, 0, len(raw))
	for _, s := range raw {
		step := Step(strings.ToLower(strings.TrimSpace(s)))
		if !validSteps[step] || seen[step] {
			continue
		}
		seen[step] = true
		if step == StepPreprocess || step == StepSummarize {
			continue
		}
		middle = append(middle, step)
	}

	if len(middle) == 0 && !seen[StepPreprocess] && !seen[StepSummarize] {
		return nil
	}

	out := make([]Step, 0, len(middle)+2)
	out = append(out, StepPreprocess)
	out = append(out, middle...)
	out = append(out, StepSummarize)
	return out
}
