package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/fixprice-etl/internal/models"
)

const (
	filePrefix = "etl_results_"
	fileExt    = ".json"
	timeLayout = "20060102_150405"
)

var ErrNothingToSave = errors.New("no products to save")

// FileStore writes run results as JSON documents into a directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = "output"
	}
	return &FileStore{dir: dir, now: time.Now}
}

func (fs *FileStore) Name() string { return "file" }

func (fs *FileStore) Dir() string { return fs.dir }

// Save writes the result to etl_results_YYYYMMDD_HHMMSS.json. The file is
// written under a temporary name first and renamed into place.
func (fs *FileStore) Save(_ context.Context, result *models.RunResult) error {
	if result == nil || len(result.Products) == 0 {
		return ErrNothingToSave
	}

	_, err := fs.write(result)
	return err
}

func (fs *FileStore) write(result *models.RunResult) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(fs.dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}

	path := filepath.Join(fs.dir, filePrefix+fs.now().Format(timeLayout)+fileExt)
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return "", fmt.Errorf("write results: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		_ = os.Remove(tmpFile)
		return "", fmt.Errorf("write results: %w", err)
	}

	return path, nil
}

// Latest loads the most recent results file in the directory.
func (fs *FileStore) Latest() (*models.RunResult, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileExt) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, os.ErrNotExist
	}
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(fs.dir, names[len(names)-1]))
	if err != nil {
		return nil, err
	}

	var result models.RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return &result, nil
}
