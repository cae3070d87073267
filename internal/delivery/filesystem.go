package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/r3e-network/taskengine/internal/errs"
)

// FilesystemConfig is the Filesystem destination's kind-specific
// config (spec.md §4.8).
type FilesystemConfig struct {
	PathTemplate string      `json:"path_template"`
	Format       Format      `json:"format"`
	Compression  Compression `json:"compression,omitempty"`
	Permissions  *uint32     `json:"permissions,omitempty"`
	Overwrite    bool        `json:"overwrite"`
}

func decodeFilesystemConfig(raw json.RawMessage) (FilesystemConfig, error) {
	var cfg FilesystemConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errs.Wrap(errs.KindInvalidInput, "destination", "filesystem", err)
	}
	if cfg.PathTemplate == "" {
		return cfg, errs.New(errs.KindInvalidInput, "destination", "filesystem", "path_template is required")
	}
	if !validFormat(cfg.Format) {
		return cfg, errs.New(errs.KindInvalidInput, "destination", "filesystem", fmt.Sprintf("unsupported format %q", cfg.Format))
	}
	if !validCompression(cfg.Compression) {
		return cfg, errs.New(errs.KindInvalidInput, "destination", "filesystem", fmt.Sprintf("unsupported compression %q", cfg.Compression))
	}
	return cfg, nil
}

// FilesystemDestination writes a task's output to a local path
// computed from path_template, atomically (write to a .tmp sibling
// then rename) per spec.md §4.8.
type FilesystemDestination struct {
	cfg FilesystemConfig
}

// NewFilesystemDestination implements Factory for kind "filesystem".
func NewFilesystemDestination(raw json.RawMessage) (Destination, error) {
	cfg, err := decodeFilesystemConfig(raw)
	if err != nil {
		return nil, err
	}
	return &FilesystemDestination{cfg: cfg}, nil
}

func (d *FilesystemDestination) ValidateConfig(raw json.RawMessage) error {
	_, err := decodeFilesystemConfig(raw)
	return err
}

func (d *FilesystemDestination) Deliver(ctx context.Context, output TaskOutput, dctx DeliveryContext) (Attempt, error) {
	path, err := RenderTemplate(d.cfg.PathTemplate, mergeTemplateVars(output, dctx))
	if err != nil {
		return Attempt{Err: err}, nil
	}
	path = filepath.Clean(path)

	if !d.cfg.Overwrite {
		if _, statErr := os.Stat(path); statErr == nil {
			return Attempt{Err: errs.New(errs.KindFileExists, "destination", path, "destination file already exists")}, nil
		}
	}

	body, err := encodeBody(d.cfg.Format, output)
	if err != nil {
		return Attempt{Err: errs.Wrap(errs.KindFilesystem, "destination", path, err)}, nil
	}
	body, err = compressBody(d.cfg.Compression, body)
	if err != nil {
		return Attempt{Err: errs.Wrap(errs.KindFilesystem, "destination", path, err)}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Attempt{Err: errs.Wrap(errs.KindFilesystem, "destination", path, err)}, nil
	}

	perm := os.FileMode(0o644)
	if d.cfg.Permissions != nil {
		perm = os.FileMode(*d.cfg.Permissions)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, perm); err != nil {
		return Attempt{Err: errs.Wrap(errs.KindFilesystem, "destination", path, err)}, nil
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Attempt{Err: errs.Wrap(errs.KindFilesystem, "destination", path, err)}, nil
	}

	return Attempt{Success: true, SizeBytes: int64(len(body)), Attempts: 1}, nil
}
