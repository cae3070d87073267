package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/taskengine/infrastructure/logging"
	"github.com/r3e-network/taskengine/internal/worker/engine"
	"github.com/r3e-network/taskengine/internal/worker/ipc"
)

func newTestWorker(t *testing.T) (*worker, *ipc.Reader, io.Writer) {
	t.Helper()
	rt := engine.NewGojaRuntime(nil)
	require.NoError(t, rt.Initialize(nil))

	outR, outW := io.Pipe()
	t.Cleanup(func() { outW.Close() })

	logger := logging.New("taskworker-test", "error", "text")
	logger.SetOutput(io.Discard)

	w := &worker{rt: rt, writer: ipc.NewWriter(outW), logger: logger}
	return w, ipc.NewReader(outR), outW
}

func TestRunExecutesTaskAndWritesResult(t *testing.T) {
	w, respReader, _ := newTestWorker(t)

	reqR, reqW := io.Pipe()
	done := make(chan struct{})
	go func() { w.run(reqR); close(done) }()

	req, err := ipc.NewEnvelope(ipc.KindExecuteTask, "m1", "corr-1", ipc.ExecuteTaskPayload{
		TaskUUID: "t1",
		Source:   "function main(input){ return {doubled: input.n * 2}; }",
		Input:    []byte(`{"n":21}`),
	})
	require.NoError(t, err)
	writer := ipc.NewWriter(reqW)
	require.NoError(t, writer.Write(req))

	resp, err := respReader.Read()
	require.NoError(t, err)
	require.Equal(t, ipc.KindTaskResult, resp.Kind)
	require.Equal(t, "corr-1", resp.CorrelationID)

	var payload ipc.TaskResultPayload
	require.NoError(t, resp.DecodePayload(&payload))
	require.JSONEq(t, `{"doubled":42}`, string(payload.Output))

	shutdown, err := ipc.NewEnvelope(ipc.KindShutdown, "m2", "", nil)
	require.NoError(t, err)
	require.NoError(t, writer.Write(shutdown))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not exit after shutdown")
	}
}

func TestRunRespondsPongToPing(t *testing.T) {
	w, respReader, _ := newTestWorker(t)

	reqR, reqW := io.Pipe()
	go w.run(reqR)

	ping, err := ipc.NewEnvelope(ipc.KindPing, "m1", "corr-ping", nil)
	require.NoError(t, err)
	require.NoError(t, ipc.NewWriter(reqW).Write(ping))

	resp, err := respReader.Read()
	require.NoError(t, err)
	require.Equal(t, ipc.KindPong, resp.Kind)
	require.Equal(t, "corr-ping", resp.CorrelationID)
}

func TestRunSendsTaskErrorWhenScriptThrows(t *testing.T) {
	w, respReader, _ := newTestWorker(t)

	reqR, reqW := io.Pipe()
	go w.run(reqR)

	req, err := ipc.NewEnvelope(ipc.KindExecuteTask, "m1", "corr-err", ipc.ExecuteTaskPayload{
		TaskUUID: "t1",
		Source:   "function main(input){ throw new Error('boom'); }",
		Input:    []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, ipc.NewWriter(reqW).Write(req))

	resp, err := respReader.Read()
	require.NoError(t, err)
	require.Equal(t, ipc.KindTaskError, resp.Kind)

	var payload ipc.TaskErrorPayload
	require.NoError(t, resp.DecodePayload(&payload))
	require.Contains(t, payload.Message, "boom")
}
