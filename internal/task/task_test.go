package task

import (
	stdErrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Dispatch/internal/errors"
)

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"":           "",
		"Sentiment":  KindSentiment,
		" ner ":      KindEntity,
		"summary":    KindSummarize,
		"generic":    KindGeneric,
		"translate":  KindGeneric,
		"SUMMARIZE":  KindSummarize,
		"entities":   KindEntity,
		"summarise":  KindSummarize,
		"classifier": KindGeneric,
	}
	for raw, want := range cases {
		assert.Equal(t, want, ParseKind(raw), "raw=%q", raw)
	}
}

func TestValidate(t *testing.T) {
	valid := &Task{ID: "t-1", Kind: KindSentiment}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name  string
		task  *Task
		field string
	}{
		{"nil", nil, "task"},
		{"missing id", &Task{Kind: KindGeneric}, "id"},
		{"blank id", &Task{ID: "  ", Kind: KindGeneric}, "id"},
		{"missing kind", &Task{ID: "t"}, "kind"},
		{"unknown kind", &Task{ID: "t", Kind: "poetry"}, "kind"},
		{"priority too high", &Task{ID: "t", Kind: KindGeneric, Config: Config{Priority: 11}}, "priority"},
		{"negative timeout", &Task{ID: "t", Kind: KindGeneric, Config: Config{Timeout: -time.Second}}, "timeout"},
		{"quality out of range", &Task{ID: "t", Kind: KindGeneric, Config: Config{MinQuality: 1.5}}, "min_quality"},
		{"negative cost", &Task{ID: "t", Kind: KindGeneric, Config: Config{MaxCost: -1}}, "max_cost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.task.Validate()
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
			assert.False(t, xerrors.RetryableError(err))
			coded, ok := xerrors.From(err)
			require.True(t, ok)
			assert.Equal(t, tc.field, coded.Metadata()["field"])
		})
	}
}

func TestWithTimeoutDoesNotMutateOriginal(t *testing.T) {
	original := &Task{
		ID:     "t-1",
		Kind:   KindSummarize,
		Data:   map[string]any{"k": "v"},
		Config: Config{Timeout: time.Second, Fallback: []string{"a"}},
	}
	updated := original.WithTimeout(250 * time.Millisecond)

	assert.Equal(t, time.Second, original.Config.Timeout)
	assert.Equal(t, 250*time.Millisecond, updated.Config.Timeout)

	updated.Config.Fallback[0] = "b"
	updated.Data["k"] = "changed"
	assert.Equal(t, "a", original.Config.Fallback[0])
	assert.Equal(t, "v", original.Data["k"])
}

func TestEffectivePriority(t *testing.T) {
	assert.Equal(t, DefaultPriority, (&Task{}).EffectivePriority())
	assert.Equal(t, 9, (&Task{Config: Config{Priority: 9}}).EffectivePriority())
}

func TestNewErrorInfo(t *testing.T) {
	assert.Nil(t, NewErrorInfo(nil))

	info := NewErrorInfo(xerrors.New(xerrors.CodeValidation, "bad", xerrors.WithMetadata("field", "id")))
	require.NotNil(t, info)
	assert.Equal(t, string(xerrors.CodeValidation), info.Code)
	assert.Equal(t, "id", info.Details["field"])

	plain := NewErrorInfo(stdErrors.New("boom"))
	assert.Equal(t, string(xerrors.CodeUnknown), plain.Code)
	assert.Equal(t, "boom", plain.Message)
}

func TestExecutionSetTiming(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var exec Execution
	exec.SetTiming(start, start.Add(1500*time.Millisecond))
	assert.Equal(t, 1500*time.Millisecond, exec.Duration)
	assert.EqualValues(t, 1500, exec.DurationMS)
}

func TestResultSucceeded(t *testing.T) {
	assert.True(t, (&Result{Status: StatusSuccess}).Succeeded())
	assert.True(t, (&Result{Status: StatusPartial}).Succeeded())
	assert.False(t, (&Result{Status: StatusTimeout}).Succeeded())
	var nilResult *Result
	assert.False(t, nilResult.Succeeded())
}
