package sqlbase

import (
	"testing"

	"github.com/dukex/flowrun/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_OrdersByVersion(t *testing.T) {
	migrator, err := NewMigrator(log.Discard(), nil, []Migration{
		{Version: 3, Name: "three"},
		{Version: 1, Name: "one"},
		{Version: 2, Name: "two"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, migrator.Latest())
	assert.Len(t, migrator.Pending(0), 3)
	assert.Equal(t, "one", migrator.Pending(0)[0].Name)

	pending := migrator.Pending(1)
	require.Len(t, pending, 2)
	assert.Equal(t, 2, pending[0].Version)
	assert.Empty(t, migrator.Pending(3))
}

func TestMigrator_NoMigrations(t *testing.T) {
	migrator, err := NewMigrator(log.Discard(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, migrator.Latest())
	assert.Empty(t, migrator.Pending(0))
}

func TestMigrator_DuplicateVersion(t *testing.T) {
	_, err := NewMigrator(log.Discard(), nil, []Migration{{Version: 1}, {Version: 1}})

	assert.ErrorIs(t, err, ErrDuplicateMigration)
}
