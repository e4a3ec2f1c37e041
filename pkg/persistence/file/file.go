// Package file provides file-based persistence, one JSON document per entity.
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
	"sync"

	"github.com/dukex/flowrun/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root               string
	workflowRepo       *WorkflowRepository
	executionRepo      *ExecutionRepository
	taskRepo           *TaskRepository
	authenticationRepo *AuthenticationRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:               cleanRoot,
		workflowRepo:       NewWorkflowRepository(cleanRoot),
		executionRepo:      NewExecutionRepository(cleanRoot),
		taskRepo:           NewTaskRepository(cleanRoot),
		authenticationRepo: NewAuthenticationRepository(cleanRoot),
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

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) TaskRepository() persistence.TaskRepository {
	return fp.taskRepo
}

func (fp *Persistence) AuthenticationRepository() persistence.AuthenticationRepository {
	return fp.authenticationRepo
}

// collection is a directory of JSON documents guarded by a mutex, so that
// read-modify-write cycles inside one process are serialized.
type collection struct {
	dir string
	mu  sync.Mutex
}

func newCollection(root, name string) *collection {
	return &collection{dir: filepath.Join(root, name)}
}

// validateID validates that the ID is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", persistence.ErrInvalidID)
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q contains invalid characters", persistence.ErrInvalidID, id)
	}

	return nil
}

func (c *collection) path(id string) string {
	return filepath.Join(c.dir, id+".json")
}

// read loads the document; found is false when it does not exist.
func (c *collection) read(id string, target any) (bool, error) {
	err := validateID(id)
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(c.path(id)) // #nosec G304 -- id is validated above
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s: %w", id, err)
	}

	err = json.Unmarshal(data, target)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", id, err)
	}

	return true, nil
}

// write stores the document through a temporary file and a rename.
func (c *collection) write(id string, value any) error {
	err := validateID(id)
	if err != nil {
		return err
	}

	err = os.MkdirAll(c.dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.dir, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	err = atomicWriteFile(c.path(id), data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	return nil
}

func (c *collection) remove(id string) (bool, error) {
	err := validateID(id)
	if err != nil {
		return false, err
	}

	err = os.Remove(c.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to delete %s: %w", id, err)
	}

	return true, nil
}

// ids lists the stored document IDs.
func (c *collection) ids() ([]string, error) {
	matches, err := fs.Glob(os.DirFS(c.dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.dir, err)
	}

	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, strings.TrimSuffix(match, ".json"))
	}

	return ids, nil
}
