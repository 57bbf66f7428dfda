package claudecli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/assistant-relay/pkg/upstream"
)

func TestDecodeLine_Assistant(t *testing.T) {
	line := `{"type":"assistant","session_id":"abc","message":{"model":"m1","role":"assistant","content":[` +
		`{"type":"text","text":"Let me look."},` +
		`{"type":"tool_use","id":"toolu_1","name":"Read","input":{"file_path":"/tmp/x"}}]}}`

	msg, err := decodeLine([]byte(line))
	require.NoError(t, err)
	am, ok := msg.(*upstream.AssistantMessage)
	require.True(t, ok)
	assert.Equal(t, "m1", am.Model)
	require.Len(t, am.Content, 2)
	assert.Equal(t, upstream.TextBlock{Text: "Let me look."}, am.Content[0])
	tu, ok := am.Content[1].(upstream.ToolUseBlock)
	require.True(t, ok)
	assert.Equal(t, "toolu_1", tu.ID)
	assert.Equal(t, "Read", tu.Name)
	assert.JSONEq(t, `{"file_path":"/tmp/x"}`, string(tu.Input))
}

func TestDecodeLine_ToolResults(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"toolu_1","content":"file body"},` +
		`{"type":"tool_result","tool_use_id":"toolu_2","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]},` +
		`{"type":"tool_result","tool_use_id":"toolu_3","content":[{"type":"image","source":{}}],"is_error":true}]}}`

	msg, err := decodeLine([]byte(line))
	require.NoError(t, err)
	um, ok := msg.(*upstream.UserMessage)
	require.True(t, ok)
	require.Len(t, um.Content, 3)
	assert.Equal(t, upstream.ToolResultBlock{ToolUseID: "toolu_1", Content: "file body"}, um.Content[0])
	assert.Equal(t, "a\nb", um.Content[1].Content)
	assert.Equal(t, `[{"type":"image","source":{}}]`, um.Content[2].Content)
	assert.True(t, um.Content[2].IsError)
}

func TestDecodeLine_Result(t *testing.T) {
	line := `{"type":"result","subtype":"success","session_id":"abc","is_error":false,"result":"done",` +
		`"num_turns":2,"duration_ms":1500,"total_cost_usd":0.0123,` +
		`"usage":{"input_tokens":50,"output_tokens":30,"cache_read_input_tokens":7}}`

	msg, err := decodeLine([]byte(line))
	require.NoError(t, err)
	rm, ok := msg.(*upstream.ResultMessage)
	require.True(t, ok)
	assert.Equal(t, "success", rm.Subtype)
	assert.Equal(t, 2, rm.NumTurns)
	assert.Equal(t, int64(1500), rm.DurationMs)
	assert.InDelta(t, 0.0123, rm.TotalCostUSD, 1e-12)
	require.NotNil(t, rm.Usage)
	assert.Equal(t, int64(80), rm.Usage.Total())
}

func TestDecodeLine_ResultWithoutUsage(t *testing.T) {
	msg, err := decodeLine([]byte(`{"type":"result","subtype":"error_max_turns","is_error":true}`))
	require.NoError(t, err)
	rm := msg.(*upstream.ResultMessage)
	assert.Nil(t, rm.Usage)
	assert.True(t, rm.IsError)
}

func TestDecodeLine_System(t *testing.T) {
	msg, err := decodeLine([]byte(`{"type":"system","subtype":"init","cwd":"/work","tools":["Read"]}`))
	require.NoError(t, err)
	sm, ok := msg.(*upstream.SystemMessage)
	require.True(t, ok)
	assert.Equal(t, "init", sm.Subtype)
	assert.Equal(t, "/work", sm.Data["cwd"])
}

func TestDecodeLine_Skipped(t *testing.T) {
	for _, line := range []string{
		"",
		"   ",
		`{"type":"control_response","response":{"subtype":"success","request_id":"req_1"}}`,
		`{"type":"stream_event","event":{}}`,
	} {
		msg, err := decodeLine([]byte(line))
		require.NoError(t, err, line)
		assert.Nil(t, msg, line)
	}
}

func TestDecodeLine_Garbage(t *testing.T) {
	_, err := decodeLine([]byte("not json"))
	require.Error(t, err)
}

func TestDecodeLine_StringContent(t *testing.T) {
	msg, err := decodeLine([]byte(`{"type":"assistant","message":{"content":"plain"}}`))
	require.NoError(t, err)
	am := msg.(*upstream.AssistantMessage)
	assert.Equal(t, []upstream.ContentBlock{upstream.TextBlock{Text: "plain"}}, am.Content)
}

func TestClientArgs(t *testing.T) {
	c := New(Config{Model: "sonnet", ExtraArgs: []string{"--debug"}}, upstream.Options{
		SystemPrompt:   "be brief",
		AllowedTools:   []string{"Read", "Grep"},
		MaxTurns:       3,
		PermissionMode: "acceptEdits",
	})
	assert.Equal(t, []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--model", "sonnet",
		"--system-prompt", "be brief",
		"--allowedTools", "Read,Grep",
		"--max-turns", "3",
		"--permission-mode", "acceptEdits",
		"--debug",
	}, c.Args())
}
