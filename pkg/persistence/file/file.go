// Package file provides file-based persistence for workflow instances, assets,
// awaits and job records. Every record is one JSON file replaced atomically.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/nodeflow/pkg/persistence"
)

const (
	workflowsDir = "workflows"
	assetsDir    = "assets"
	awaitsDir    = "awaits"
	jobsDir      = "jobs"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root         string
	workflowRepo *WorkflowRepository
	assetRepo    *AssetRepository
	awaitRepo    *AwaitRepository
	jobRepo      *JobRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:         cleanRoot,
		workflowRepo: &WorkflowRepository{dir: records{dir: filepath.Join(cleanRoot, workflowsDir)}},
		assetRepo:    &AssetRepository{dir: records{dir: filepath.Join(cleanRoot, assetsDir)}},
		awaitRepo:    &AwaitRepository{dir: records{dir: filepath.Join(cleanRoot, awaitsDir)}},
		jobRepo:      &JobRepository{dir: records{dir: filepath.Join(cleanRoot, jobsDir)}},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Workflows returns the workflow repository implementation for file persistence.
func (fp *Persistence) Workflows() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) Assets() persistence.AssetRepository {
	return fp.assetRepo
}

func (fp *Persistence) Awaits() persistence.AwaitRepository {
	return fp.awaitRepo
}

func (fp *Persistence) Jobs() persistence.JobRepository {
	return fp.jobRepo
}

// records stores one JSON document per id in a directory.
type records struct {
	dir string
}

func (r records) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid record id %q", id)
	}

	return filepath.Join(r.dir, id+".json"), nil
}

// write replaces the record atomically: the document is written to a temp
// file in the same directory, synced and renamed over the old one.
func (r records) write(id string, value any) error {
	target, err := r.path(id)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	if err := os.MkdirAll(r.dir, 0750); err != nil {
		return fmt.Errorf("failed to create %s: %w", r.dir, err)
	}

	tmp, err := os.CreateTemp(r.dir, "."+id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", id, err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("failed to sync %s: %w", id, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", id, err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to replace %s: %w", id, err)
	}

	committed = true

	return nil
}

// read returns fs.ErrNotExist when the record is missing.
func (r records) read(id string) ([]byte, error) {
	target, err := r.path(id)
	if err != nil {
		return nil, err
	}

	return os.ReadFile(target)
}

func (r records) remove(id string) error {
	target, err := r.path(id)
	if err != nil {
		return err
	}

	return os.Remove(target)
}

// ids lists the stored record ids, skipping temp files.
func (r records) ids() ([]string, error) {
	matches, err := fs.Glob(os.DirFS(r.dir), "*.json")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.dir, err)
	}

	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		if strings.HasPrefix(match, ".") {
			continue
		}

		ids = append(ids, strings.TrimSuffix(match, ".json"))
	}

	return ids, nil
}

// readAll decodes every record of the directory with decode.
func readAll[T any](r records, decode func([]byte) (*T, error)) ([]*T, error) {
	ids, err := r.ids()
	if err != nil {
		return nil, err
	}

	result := make([]*T, 0, len(ids))

	for _, id := range ids {
		data, err := r.read(id)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", id, err)
		}

		value, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", id, err)
		}

		result = append(result, value)
	}

	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	return &value, nil
}
