package delivery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/taskengine/internal/errs"
)

func TestFilesystemDestinationWritesRenderedOutputAtomically(t *testing.T) {
	dir := t.TempDir()
	raw, err := json.Marshal(FilesystemConfig{
		PathTemplate: filepath.Join(dir, "{{task_id}}", "result.json"),
		Format:       FormatJSON,
	})
	require.NoError(t, err)

	dest, err := NewFilesystemDestination(raw)
	require.NoError(t, err)

	attempt, err := dest.Deliver(context.Background(), TaskOutput{
		TaskID: 5, ExecutionID: 1, OutputData: []byte(`{"ok":true}`),
	}, DeliveryContext{})
	require.NoError(t, err)
	require.True(t, attempt.Success)

	path := filepath.Join(dir, "5", "result.json")
	body, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	require.JSONEq(t, `{"ok":true}`, string(body))

	_, statErr := os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(statErr))
}

func TestFilesystemDestinationRejectsExistingFileWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.json")
	require.NoError(t, os.WriteFile(path, []byte("existing"), 0o644))

	raw, err := json.Marshal(FilesystemConfig{PathTemplate: path, Format: FormatJSON, Overwrite: false})
	require.NoError(t, err)
	dest, err := NewFilesystemDestination(raw)
	require.NoError(t, err)

	attempt, err := dest.Deliver(context.Background(), TaskOutput{OutputData: []byte(`{}`)}, DeliveryContext{})
	require.NoError(t, err)
	require.False(t, attempt.Success)
	require.Equal(t, errs.KindFileExists, errs.KindOf(attempt.Err))
}

func TestFilesystemDestinationRejectsUnsupportedFormat(t *testing.T) {
	raw, err := json.Marshal(map[string]any{"path_template": "/tmp/x", "format": "protobuf"})
	require.NoError(t, err)
	_, err = NewFilesystemDestination(raw)
	require.Error(t, err)
}

func TestFilesystemDestinationEncodesCSVFromObjectArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.csv")
	raw, err := json.Marshal(FilesystemConfig{PathTemplate: path, Format: FormatCSV})
	require.NoError(t, err)
	dest, err := NewFilesystemDestination(raw)
	require.NoError(t, err)

	attempt, err := dest.Deliver(context.Background(), TaskOutput{
		OutputData: []byte(`[{"a":1,"b":"x"},{"a":2,"b":"y"}]`),
	}, DeliveryContext{})
	require.NoError(t, err)
	require.True(t, attempt.Success)

	body, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	require.Equal(t, "a,b\n1,x\n2,y\n", string(body))
}
