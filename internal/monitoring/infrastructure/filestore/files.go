package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pivot-monitor/internal/monitoring/application"
)

const (
	stateFileName = "state.json"
	pivotsDirName = "pivots"
)

// DashboardWriter renders dashboard documents below a directory:
// state.json plus pivots/<slug>.json.
type DashboardWriter struct {
	dir string
}

// NewDashboardWriter constructs a DashboardWriter rooted at dir.
func NewDashboardWriter(dir string) (*DashboardWriter, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("filestore: empty dashboard dir")
	}
	if err := os.MkdirAll(filepath.Join(dir, pivotsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create dashboard dir: %w", err)
	}
	return &DashboardWriter{dir: dir}, nil
}

// WriteDashboard writes every file and removes pivot files no longer present.
func (w *DashboardWriter) WriteDashboard(ctx context.Context, files application.DashboardFiles) error {
	if w == nil {
		return errors.New("filestore: nil dashboard writer")
	}
	pivotsDir := filepath.Join(w.dir, pivotsDirName)
	if err := os.MkdirAll(pivotsDir, 0o755); err != nil {
		return fmt.Errorf("create dashboard dir: %w", err)
	}

	slugs := make([]string, 0, len(files.Pivots))
	for slug := range files.Pivots {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	keep := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := filepath.Base(slug) + ".json"
		keep[name] = true
		if err := writeAtomic(filepath.Join(pivotsDir, name), files.Pivots[slug]); err != nil {
			return err
		}
	}
	if files.State != nil {
		if err := writeAtomic(filepath.Join(w.dir, stateFileName), files.State); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(pivotsDir)
	if err != nil {
		return fmt.Errorf("list pivot files: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || keep[entry.Name()] || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if err := os.Remove(filepath.Join(pivotsDir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale pivot file: %w", err)
		}
	}
	return nil
}

// RuntimeFile persists the engine registry in a single JSON file.
type RuntimeFile struct {
	path string
}

// NewRuntimeFile constructs a RuntimeFile.
func NewRuntimeFile(path string) (*RuntimeFile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("filestore: empty runtime store path")
	}
	return &RuntimeFile{path: path}, nil
}

// Load returns the saved registry, or nil when the file does not exist.
func (f *RuntimeFile) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runtime store: %w", err)
	}
	return data, nil
}

// Save replaces the registry file.
func (f *RuntimeFile) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create runtime store dir: %w", err)
		}
	}
	return writeAtomic(f.path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	success = true
	return nil
}
