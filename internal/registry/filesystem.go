package registry

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/r3e-network/taskengine/internal/domain/task"
	"github.com/r3e-network/taskengine/internal/errs"
)

const (
	metadataFilename     = "metadata.json"
	scriptFilename       = "main.js"
	inputSchemaFilename  = "input.schema.json"
	outputSchemaFilename = "output.schema.json"
)

// taskMetadata is the JSON shape of a task directory's metadata.json.
type taskMetadata struct {
	UUID    string   `json:"uuid"`
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Tags    []string `json:"tags,omitempty"`
}

// FilesystemSource discovers tasks under a root directory: either a
// directory `name/version/` containing metadata.json (+ main.js,
// input.schema.json, output.schema.json), or a `name-version.zip`
// archive with the same layout at its root, per spec.md §4.2.
type FilesystemSource struct {
	Root string

	watchEnabled bool
	debounce     time.Duration
	events       chan struct{}
	watcher      *fsnotify.Watcher
}

// NewFilesystemSource builds a source rooted at root. When watch is
// true, WatchChanges starts an fsnotify watch debounced by debounce
// (spec.md §4.2's 500ms default).
func NewFilesystemSource(root string, watch bool, debounce time.Duration) *FilesystemSource {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &FilesystemSource{Root: root, watchEnabled: watch, debounce: debounce}
}

func (s *FilesystemSource) sourceURI(name, version string) string {
	return fmt.Sprintf("file://%s", filepath.Join(s.Root, name, version))
}

// Discover recurses the root directory, treating any name/version
// directory or name-version.zip archive containing a metadata.json as
// a task.
func (s *FilesystemSource) Discover(ctx context.Context) ([]DiscoveredTask, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "registry.filesystem", s.Root, err)
	}

	var out []DiscoveredTask
	for _, nameEntry := range entries {
		if !nameEntry.IsDir() {
			if strings.HasSuffix(nameEntry.Name(), ".zip") {
				d, err := s.discoverZip(filepath.Join(s.Root, nameEntry.Name()))
				if err == nil {
					out = append(out, d)
				}
			}
			continue
		}
		versionRoot := filepath.Join(s.Root, nameEntry.Name())
		versions, err := os.ReadDir(versionRoot)
		if err != nil {
			continue
		}
		for _, versionEntry := range versions {
			if !versionEntry.IsDir() {
				continue
			}
			dir := filepath.Join(versionRoot, versionEntry.Name())
			metaPath := filepath.Join(dir, metadataFilename)
			raw, err := os.ReadFile(metaPath)
			if err != nil {
				continue
			}
			var meta taskMetadata
			if err := json.Unmarshal(raw, &meta); err != nil {
				continue
			}
			content, err := s.loadDir(dir, meta)
			if err != nil {
				continue
			}
			out = append(out, s.toDiscovered(meta, content, s.sourceURI(nameEntry.Name(), versionEntry.Name())))
		}
	}
	return out, nil
}

func (s *FilesystemSource) discoverZip(path string) (DiscoveredTask, error) {
	content, meta, err := s.loadZip(path)
	if err != nil {
		return DiscoveredTask{}, err
	}
	return s.toDiscovered(meta, content, fmt.Sprintf("file://%s", path)), nil
}

func (s *FilesystemSource) toDiscovered(meta taskMetadata, content task.Content, sourceURI string) DiscoveredTask {
	now := time.Now().UTC()
	return DiscoveredTask{
		Reference:    task.Reference{Name: meta.Name, Version: meta.Version, SourceURI: sourceURI},
		UUID:         meta.UUID,
		Tags:         meta.Tags,
		Checksum:     Checksum(content),
		CreatedAt:    now,
		UpdatedAt:    now,
		DiscoveredAt: now,
	}
}

// Load reads the full content (script + schemas) for ref. ref.SourceURI
// is expected to be the file:// URI Discover reported.
func (s *FilesystemSource) Load(ctx context.Context, ref task.Reference) (task.Content, error) {
	path := strings.TrimPrefix(ref.SourceURI, "file://")
	if strings.HasSuffix(path, ".zip") {
		content, _, err := s.loadZip(path)
		return content, err
	}
	metaPath := filepath.Join(path, metadataFilename)
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return task.Content{}, errs.Wrap(errs.KindNotFound, "task", ref.Name, err)
	}
	var meta taskMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return task.Content{}, errs.Wrap(errs.KindInvalidInput, "task", ref.Name, err)
	}
	return s.loadDir(path, meta)
}

func (s *FilesystemSource) loadDir(dir string, meta taskMetadata) (task.Content, error) {
	source, err := os.ReadFile(filepath.Join(dir, scriptFilename))
	if err != nil {
		return task.Content{}, errs.Wrap(errs.KindInvalidInput, "task", meta.Name, err)
	}
	inputSchema, _ := os.ReadFile(filepath.Join(dir, inputSchemaFilename))
	outputSchema, _ := os.ReadFile(filepath.Join(dir, outputSchemaFilename))
	info, _ := os.Stat(dir)
	modTime := time.Now().UTC()
	if info != nil {
		modTime = info.ModTime().UTC()
	}
	return task.Content{
		Name:         meta.Name,
		Version:      meta.Version,
		SourceURI:    fmt.Sprintf("file://%s", dir),
		Source:       string(source),
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
		Tags:         meta.Tags,
		UUID:         meta.UUID,
		CreatedAt:    modTime,
		UpdatedAt:    modTime,
	}, nil
}

func (s *FilesystemSource) loadZip(path string) (task.Content, taskMetadata, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return task.Content{}, taskMetadata{}, errs.Wrap(errs.KindInvalidInput, "task.zip", path, err)
	}
	defer r.Close()

	files := map[string][]byte{}
	for _, f := range r.File {
		base := filepath.Base(f.Name)
		switch base {
		case metadataFilename, scriptFilename, inputSchemaFilename, outputSchemaFilename:
			rc, err := f.Open()
			if err != nil {
				continue
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				continue
			}
			files[base] = data
		}
	}

	var meta taskMetadata
	if raw, ok := files[metadataFilename]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return task.Content{}, taskMetadata{}, errs.Wrap(errs.KindInvalidInput, "task.zip", path, err)
		}
	} else {
		return task.Content{}, taskMetadata{}, errs.New(errs.KindInvalidInput, "task.zip", path, "missing metadata.json")
	}

	info, _ := os.Stat(path)
	modTime := time.Now().UTC()
	if info != nil {
		modTime = info.ModTime().UTC()
	}

	return task.Content{
		Name:         meta.Name,
		Version:      meta.Version,
		SourceURI:    fmt.Sprintf("file://%s", path),
		Source:       string(files[scriptFilename]),
		InputSchema:  files[inputSchemaFilename],
		OutputSchema: files[outputSchemaFilename],
		Tags:         meta.Tags,
		UUID:         meta.UUID,
		CreatedAt:    modTime,
		UpdatedAt:    modTime,
	}, meta, nil
}

// Push is not supported by the filesystem source in this core; the
// method exists so the Source interface is ready for a
// write-back extension (spec.md §9 Open Questions).
func (s *FilesystemSource) Push(ctx context.Context, ref task.Reference, content task.Content) error {
	return errs.Wrap(errs.KindUnsupported, "registry.filesystem", ref.Name, errs.ErrUnsupported)
}

// WatchChanges starts an fsnotify watch on Root and returns a channel
// that receives a signal (debounced by s.debounce) whenever the tree
// changes, for internal/sync to trigger a re-discovery pass. Cancel
// ctx to stop watching.
func (s *FilesystemSource) WatchChanges(ctx context.Context) (<-chan struct{}, error) {
	if !s.watchEnabled {
		return nil, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "registry.filesystem", s.Root, err)
	}
	if err := addRecursive(watcher, s.Root); err != nil {
		watcher.Close()
		return nil, err
	}
	s.watcher = watcher

	out := make(chan struct{}, 1)
	go s.debounceEvents(ctx, watcher, out)
	return out, nil
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (s *FilesystemSource) debounceEvents(ctx context.Context, watcher *fsnotify.Watcher, out chan<- struct{}) {
	defer watcher.Close()
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				timerC = timer.C
			} else {
				timer.Reset(s.debounce)
			}
		case <-timerC:
			select {
			case out <- struct{}{}:
			default:
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
