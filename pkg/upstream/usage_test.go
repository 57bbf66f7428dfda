package upstream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type sdkUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheReadInputTokens     int64
	CacheCreationInputTokens int64
}

func TestNormalizeUsage_Shapes(t *testing.T) {
	cases := []struct {
		name string
		raw  any
		want *Usage
	}{
		{"nil", nil, nil},
		{"value", Usage{InputTokens: 1, OutputTokens: 2}, &Usage{InputTokens: 1, OutputTokens: 2}},
		{"decoded json map", map[string]any{"input_tokens": float64(50), "output_tokens": float64(30)}, &Usage{InputTokens: 50, OutputTokens: 30}},
		{"map missing output", map[string]any{"input_tokens": float64(7)}, &Usage{InputTokens: 7}},
		{"empty map", map[string]any{}, nil},
		{"int map", map[string]int{"input_tokens": 3, "output_tokens": 4}, &Usage{InputTokens: 3, OutputTokens: 4}},
		{"raw json", json.RawMessage(`{"input_tokens":10,"output_tokens":5}`), &Usage{InputTokens: 10, OutputTokens: 5}},
		{"raw null", json.RawMessage(`null`), nil},
		{"sdk struct", sdkUsage{InputTokens: 11, OutputTokens: 12}, &Usage{InputTokens: 11, OutputTokens: 12}},
		{"sdk struct pointer", &sdkUsage{InputTokens: 1, OutputTokens: 1}, &Usage{InputTokens: 1, OutputTokens: 1}},
		{"unrelated", "tokens", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, NormalizeUsage(tc.raw))
		})
	}
}

func TestUsageTotal(t *testing.T) {
	require.Equal(t, int64(80), Usage{InputTokens: 50, OutputTokens: 30}.Total())
}

func TestOptionsIsZero(t *testing.T) {
	require.True(t, Options{PermissionMode: "acceptEdits"}.IsZero())
	require.False(t, Options{MaxTurns: 3}.IsZero())
	require.False(t, Options{AllowedTools: []string{"Read"}}.IsZero())
}
