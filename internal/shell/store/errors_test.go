package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreError_Error(t *testing.T) {
	tests := []struct {
		err  *StoreError
		want string
	}{
		{NewStoreError("GetDeployment", "deployment", "d1", "not found", ErrNotFound), "GetDeployment deployment d1: not found"},
		{NewStoreError("ListDeployments", "deployment", "", "query failed", nil), "ListDeployments deployment: query failed"},
		{NewStoreError("Migrate", "", "", "dirty", ErrMigrationFailed), "Migrate: dirty"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestIsConflict(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewStoreError("CreateDeployment", "deployment", "d1", "", ErrDuplicateID), true},
		{NewStoreError("CreateDeployment", "deployment", "d1", "", ErrDuplicateName), true},
		{fmt.Errorf("allocate: %w", NewStoreError("CreatePortAllocation", "port_allocation", "p", "", ErrDuplicatePort)), true},
		{NewStoreError("GetDeployment", "deployment", "d1", "", ErrNotFound), false},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsConflict(tt.err), "%v", tt.err)
	}
}

func TestConstraintClassification(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	d := createTestDeployment(t, s, "shop")

	_, err = s.db.ExecContext(ctx, `INSERT INTO deployments (id, name, type, source_url, source_branch, env, status, created_at, updated_at)
		SELECT 'other', name, type, source_url, source_branch, env, status, created_at, updated_at FROM deployments WHERE id = ?`, d.ID)
	require.Error(t, err)
	column, ok := violatedColumn(err)
	assert.True(t, ok)
	assert.Equal(t, "deployments.name", column)
	assert.True(t, isUnique(err, "deployments.name"))
	assert.False(t, isUnique(err, "deployments.id"))
	assert.False(t, isForeignKey(err))

	_, err = s.db.ExecContext(ctx, `INSERT INTO deployment_transitions (deployment_id, from_status, to_status, at)
		VALUES ('missing', '', 'queued', '2026-01-01T00:00:00Z')`)
	require.Error(t, err)
	assert.True(t, isForeignKey(err))
	_, ok = violatedColumn(err)
	assert.False(t, ok)

	_, ok = violatedColumn(errors.New("UNIQUE constraint failed: deployments.name"))
	assert.False(t, ok, "only driver errors are classified")
}
