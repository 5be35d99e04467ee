package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termgate/termgate/internal/protocol"
)

func TestDecode_MissingType(t *testing.T) {
	_, err := protocol.Decode([]byte(`{"session_id":"S1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing type tag")
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := protocol.Decode([]byte(`{"type":`))
	require.Error(t, err)
}

func TestEncode_OmitsUnusedFields(t *testing.T) {
	data, err := protocol.Encode(&protocol.Message{
		Type:      protocol.TypeTerminalInput,
		SessionID: "S1",
		Data:      "q",
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, map[string]any{
		"type":       "terminal:input",
		"session_id": "S1",
		"data":       "q",
	}, raw)
}

func TestDecode_ConnectDefaultsAbsent(t *testing.T) {
	m, err := protocol.Decode([]byte(`{"type":"terminal:connect","session_id":"S1","project_id":"P1"}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeTerminalConnect, m.Type)
	assert.Zero(t, m.Cols)
	assert.Zero(t, m.Rows)
}

func TestDecode_Heartbeat(t *testing.T) {
	frame := `{"type":"agent:heartbeat","agent_id":"A1","active_sessions":["S1","S2"],"system_info":{"hostname":"h","num_cpu":8}}`
	m, err := protocol.Decode([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2"}, m.ActiveSessions)
	require.NotNil(t, m.SystemInfo)
	assert.Equal(t, 8, m.SystemInfo.NumCPU)
}

func TestDecode_AckSuccessTristate(t *testing.T) {
	m, err := protocol.Decode([]byte(`{"type":"agent:ack","command_type":"agent:command:connect","success":false}`))
	require.NoError(t, err)
	require.NotNil(t, m.Success)
	assert.False(t, *m.Success)

	m2, err := protocol.Decode([]byte(`{"type":"agent:ack","command_type":"agent:command:ping"}`))
	require.NoError(t, err)
	assert.Nil(t, m2.Success)
}

func TestStamp_SetsTimestamp(t *testing.T) {
	m := protocol.Stamp(&protocol.Message{Type: protocol.TypeTerminalOutput})
	assert.NotEmpty(t, m.Timestamp)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`, m.Timestamp)
}
