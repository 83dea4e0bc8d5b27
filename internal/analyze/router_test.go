package analyze

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/nvalderrama/bitacora/internal/preprocess"
)

func TestRouteSteps_RuleTable(t *testing.T) {
	cases := []struct {
		name string
		in   RouteInput
		want []Step
	}{
		{
			"short no attachment",
			RouteInput{Length: preprocess.LengthShort, HasAttachment: false},
			[]Step{StepPreprocess, StepClassify, StepSummarize},
		},
		{
			"short with attachment",
			RouteInput{Length: preprocess.LengthShort, HasAttachment: true},
			[]Step{StepPreprocess, StepClassify, StepExtract, StepSummarize},
		},
		{
			"long no attachment",
			RouteInput{Length: preprocess.LengthLong, HasAttachment: false},
			[]Step{StepPreprocess, StepClassify, StepExtract, StepAnalyze, StepSummarize},
		},
		{
			"long with attachment",
			RouteInput{Length: preprocess.LengthLong, HasAttachment: true},
			[]Step{StepPreprocess, StepClassify, StepExtract, StepAnalyze, StepSummarize},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RouteSteps(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("RouteSteps(%+v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestRouteStepsAI_SanitizesModelOutput(t *testing.T) {
	// Model forgets preprocess, misorders summarize, and invents a step.
	c := &mockCompleter{response: `{"steps": ["summarize", "classify", "teleport", "extract"]}`}
	got := RouteStepsAI(context.Background(), c, "texto", RouteInput{Length: preprocess.LengthShort})

	want := []Step{StepPreprocess, StepClassify, StepExtract, StepSummarize}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRouteStepsAI_FallsBackOnProviderError(t *testing.T) {
	c := &mockCompleter{err: errors.New("provider down")}
	in := RouteInput{Length: preprocess.LengthShort, HasAttachment: false}

	got := RouteStepsAI(context.Background(), c, "texto", in)
	if !reflect.DeepEqual(got, RouteSteps(in)) {
		t.Errorf("fallback mismatch: got %v, want %v", got, RouteSteps(in))
	}
}

func TestRouteStepsAI_FallsBackOnGarbage(t *testing.T) {
	c := &mockCompleter{response: "not json at all"}
	in := RouteInput{Length: preprocess.LengthLong, HasAttachment: true}

	got := RouteStepsAI(context.Background(), c, "texto", in)
	if !reflect.DeepEqual(got, RouteSteps(in)) {
		t.Errorf("fallback mismatch: got %v", got)
	}
}

func TestSanitizeSteps_AlwaysBracketed(t *testing.T) {
	got := sanitizeSteps([]string{"analyze", "analyze", "classify"})
	if got[0] != StepPreprocess {
		t.Errorf("first step = %v, want preprocess", got[0])
	}
	if got[len(got)-1] != StepSummarize {
		t.Errorf("last step = %v, want summarize", got[len(got)-1])
	}
	// Dedupe check.
	count := 0
	for _, s := range got {
		if s == StepAnalyze {
			count++
		}
	}
	if count != 1 {
		t.Errorf("analyze appears %d times", count)
	}
}

func TestSanitizeSteps_AllInvalid(t *testing.T) {
	if got := sanitizeSteps([]string{"foo", "bar"}); got != nil {
		t.Errorf("expected nil for all-invalid steps, got %v", got)
	}
}

func TestRouteStepsAI_ModelOverride(t *testing.T) {
	c := &mockCompleter{response: `{"steps": ["preprocess", "classify", "summarize"]}`}
	RouteStepsAI(context.Background(), c, "texto", RouteInput{
		Length: preprocess.LengthShort,
		Model:  "gpt-enrutador",
	})
	if c.lastModel != "gpt-enrutador" {
		t.Errorf("router model override not passed to provider, got %q", c.lastModel)
	}
}
