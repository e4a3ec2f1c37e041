package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

// WorkflowRepository stores workflow definitions under <root>/workflows.
type WorkflowRepository struct {
	documents *collection
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{documents: newCollection(root, "workflows")}
}

// GetAll returns every definition ordered by creation time, newest first.
func (wr *WorkflowRepository) GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	ids, err := wr.documents.ids()
	if err != nil {
		return nil, err
	}

	definitions := make([]*models.WorkflowDefinition, 0, len(ids))

	for _, id := range ids {
		definition, err := wr.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, definition)
	}

	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].CreatedAt.After(definitions[j].CreatedAt)
	})

	return definitions, nil
}

func (wr *WorkflowRepository) GetByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	var definition models.WorkflowDefinition

	found, err := wr.documents.read(id, &definition)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrWorkflowNotFound
	}

	return &definition, nil
}

func (wr *WorkflowRepository) Save(_ context.Context, definition *models.WorkflowDefinition) error {
	now := time.Now().UTC()
	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = now
	}

	definition.UpdatedAt = now

	wr.documents.mu.Lock()
	defer wr.documents.mu.Unlock()

	return wr.documents.write(definition.ID, definition)
}

func (wr *WorkflowRepository) Delete(_ context.Context, id string) error {
	wr.documents.mu.Lock()
	defer wr.documents.mu.Unlock()

	removed, err := wr.documents.remove(id)
	if err != nil {
		return err
	}

	if !removed {
		return persistence.ErrWorkflowNotFound
	}

	return nil
}
