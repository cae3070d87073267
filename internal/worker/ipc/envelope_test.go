package ipc

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTripsThroughWriterAndReader(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	env, err := NewEnvelope(KindExecuteTask, "msg-1", "corr-1", ExecuteTaskPayload{
		TaskUUID: "task-1", Source: "function main(i){return i;}", TimeoutMS: 1000,
	})
	require.NoError(t, err)
	require.NoError(t, w.Write(env))

	r := NewReader(&buf)
	got, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, ProtocolVersion, got.ProtocolVersion)
	require.Equal(t, KindExecuteTask, got.Kind)
	require.Equal(t, "corr-1", got.CorrelationID)

	var payload ExecuteTaskPayload
	require.NoError(t, got.DecodePayload(&payload))
	require.Equal(t, "task-1", payload.TaskUUID)
	require.Equal(t, int64(1000), payload.TimeoutMS)
}

func TestReaderReturnsMalformedErrorOnInvalidJSONLine(t *testing.T) {
	r := NewReader(strings.NewReader("not json\n"))
	_, err := r.Read()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestReaderReturnsEOFOnEmptyStream(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	_, err := r.Read()
	require.Error(t, err)
}

func TestNewEnvelopeWithNilPayloadOmitsField(t *testing.T) {
	env, err := NewEnvelope(KindShutdown, "msg-2", "", nil)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NotContains(t, string(raw), `"payload"`)
}
