package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

// ExecutionRepository stores execution records under <root>/executions.
type ExecutionRepository struct {
	documents *collection
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{documents: newCollection(root, "executions")}
}

func (er *ExecutionRepository) Save(_ context.Context, record *models.ExecutionRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = now

	er.documents.mu.Lock()
	defer er.documents.mu.Unlock()

	err := er.documents.write(record.ID, record)
	if err != nil {
		return persistence.NewExecutionError("Save", record.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) GetByID(_ context.Context, id string) (*models.ExecutionRecord, error) {
	er.documents.mu.Lock()
	defer er.documents.mu.Unlock()

	return er.load(id)
}

// Update holds the collection lock across the read, the mutation and the write.
func (er *ExecutionRepository) Update(_ context.Context, id string, mutate persistence.ExecutionMutation) (*models.ExecutionRecord, error) {
	er.documents.mu.Lock()
	defer er.documents.mu.Unlock()

	record, err := er.load(id)
	if err != nil {
		return nil, err
	}

	err = mutate(record)
	if err != nil {
		return nil, err
	}

	record.UpdatedAt = time.Now().UTC()

	err = er.documents.write(id, record)
	if err != nil {
		return nil, persistence.NewExecutionError("Update", id, err)
	}

	return record, nil
}

func (er *ExecutionRepository) ListByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.ExecutionRecord, error) {
	er.documents.mu.Lock()
	defer er.documents.mu.Unlock()

	ids, err := er.documents.ids()
	if err != nil {
		return nil, err
	}

	records := make([]*models.ExecutionRecord, 0)

	for _, id := range ids {
		record, err := er.load(id)
		if err != nil {
			return nil, err
		}

		if record.Status == status {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

func (er *ExecutionRepository) load(id string) (*models.ExecutionRecord, error) {
	var record models.ExecutionRecord

	found, err := er.documents.read(id, &record)
	if err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	if !found {
		return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
	}

	return &record, nil
}
