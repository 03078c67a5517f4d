// Package storetest holds the behaviour every workflow.Store must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/dagflow/workflow"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) workflow.Store

// Run exercises a store implementation.
func Run(t *testing.T, newStore Factory) {
	t.Run("definitions", func(t *testing.T) { testDefinitions(t, newStore(t)) })
	t.Run("executions", func(t *testing.T) { testExecutions(t, newStore(t)) })
	t.Run("execution filter", func(t *testing.T) { testExecutionFilter(t, newStore(t)) })
	t.Run("step executions", func(t *testing.T) { testStepExecutions(t, newStore(t)) })
	t.Run("not found", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ping", func(t *testing.T) { testPing(t, newStore(t)) })
}

func definition(id string, created time.Time) *workflow.Definition {
	retries := 2
	return &workflow.Definition{
		ID:          id,
		Name:        "def-" + id,
		Version:     "1",
		Description: "conformance",
		IsActive:    true,
		Variables: []workflow.Variable{
			{Name: "region", DataType: workflow.DataTypeString, IsRequired: true},
		},
		Steps: []workflow.Step{
			{ID: "a", Name: "a", Type: workflow.StepTypeTask, Config: map[string]any{"handler": "http"}},
			{ID: "b", Name: "b", Type: workflow.StepTypeTask, DependsOn: []string{"a"}, MaxRetries: &retries},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testDefinitions(t *testing.T, s workflow.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.SaveDefinition(ctx, definition("d2", base.Add(time.Second))))
	require.NoError(t, s.SaveDefinition(ctx, definition("d1", base)))

	got, err := s.GetDefinition(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "def-d1", got.Name)
	assert.True(t, got.IsActive)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, []string{"a"}, got.Steps[1].DependsOn)
	require.NotNil(t, got.Steps[1].MaxRetries)
	assert.Equal(t, 2, *got.Steps[1].MaxRetries)
	assert.Equal(t, "http", got.Steps[0].Config["handler"])
	assert.Equal(t, "region", got.Variables[0].Name)

	// Saving again replaces the stored copy.
	got.IsActive = false
	require.NoError(t, s.SaveDefinition(ctx, got))
	again, err := s.GetDefinition(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, again.IsActive)

	all, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "d1", all[0].ID)
	assert.Equal(t, "d2", all[1].ID)
}

func testExecutions(t *testing.T, s workflow.Store) {
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	exec := &workflow.Execution{
		ID:                "e1",
		DefinitionID:      "d1",
		DefinitionVersion: "1",
		Status:            workflow.ExecutionRunning,
		InputVariables:    map[string]any{"region": "eu", "replicas": float64(3)},
		StartedAt:         &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, s.SaveExecution(ctx, exec))

	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionRunning, got.Status)
	assert.Equal(t, "eu", got.InputVariables["region"])
	assert.EqualValues(t, 3, got.InputVariables["replicas"])
	require.NotNil(t, got.StartedAt)
	assert.True(t, now.Equal(*got.StartedAt))
	assert.Nil(t, got.CompletedAt)

	done := now.Add(time.Second)
	got.Status = workflow.ExecutionFailed
	got.Error = "step b failed"
	got.CompletedAt = &done
	require.NoError(t, s.SaveExecution(ctx, got))

	again, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionFailed, again.Status)
	assert.Equal(t, "step b failed", again.Error)
	require.NotNil(t, again.CompletedAt)
	assert.True(t, done.Equal(*again.CompletedAt))
}

func testExecutionFilter(t *testing.T, s workflow.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	statuses := []workflow.ExecutionStatus{
		workflow.ExecutionCompleted,
		workflow.ExecutionRunning,
		workflow.ExecutionFailed,
		workflow.ExecutionRunning,
	}
	for i, st := range statuses {
		defID := "d1"
		if i == 3 {
			defID = "d2"
		}
		require.NoError(t, s.SaveExecution(ctx, &workflow.Execution{
			ID:           fmt.Sprintf("e%d", i),
			DefinitionID: defID,
			Status:       st,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
			UpdatedAt:    base,
		}))
	}

	all, err := s.ListExecutions(ctx, workflow.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "e3", all[0].ID, "newest first")

	running, err := s.ListExecutions(ctx, workflow.ExecutionFilter{Statuses: []workflow.ExecutionStatus{workflow.ExecutionRunning}})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e1"}, ids(running))

	byDef, err := s.ListExecutions(ctx, workflow.ExecutionFilter{DefinitionID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2", "e1", "e0"}, ids(byDef))

	page, err := s.ListExecutions(ctx, workflow.ExecutionFilter{DefinitionID: "d1", Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids(page))
}

func testStepExecutions(t *testing.T, s workflow.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	later := base.Add(time.Second)

	records := []*workflow.StepExecution{
		{ID: "s2", ExecutionID: "e1", StepID: "b", StepName: "b", Status: workflow.StepRunning, AttemptCount: 1, StartedAt: &later},
		{ID: "s1", ExecutionID: "e1", StepID: "a", StepName: "a", Status: workflow.StepCompleted, AttemptCount: 1, StartedAt: &base, CompletedAt: &later, Output: map[string]any{"rows": float64(10)}},
		{ID: "s3", ExecutionID: "e1", StepID: "c", StepName: "c", Status: workflow.StepSkipped, Error: "dependency a was skipped"},
		{ID: "x1", ExecutionID: "e2", StepID: "a", StepName: "a", Status: workflow.StepCompleted},
	}
	for _, r := range records {
		require.NoError(t, s.SaveStepExecution(ctx, r))
	}

	// Upsert by (execution, step).
	update := *records[0]
	update.Status = workflow.StepCompleted
	update.AttemptCount = 3
	update.AgentInstanceID = "agent-1"
	update.Degraded = true
	update.Error = "flaky"
	require.NoError(t, s.SaveStepExecution(ctx, &update))

	steps, err := s.ListStepExecutions(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, []string{"a", "b", "c"}, stepNames(steps))

	assert.EqualValues(t, 10, steps[0].Output.(map[string]any)["rows"])
	assert.Equal(t, workflow.StepCompleted, steps[1].Status)
	assert.Equal(t, 3, steps[1].AttemptCount)
	assert.Equal(t, "agent-1", steps[1].AgentInstanceID)
	assert.True(t, steps[1].Degraded)
	assert.Equal(t, "flaky", steps[1].Error)
	assert.Nil(t, steps[2].StartedAt)

	none, err := s.ListStepExecutions(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testNotFound(t *testing.T, s workflow.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.GetDefinition(ctx, "missing")
	assert.True(t, errors.Is(err, workflow.ErrNotFound), "got %v", err)
	_, err = s.GetExecution(ctx, "missing")
	assert.True(t, errors.Is(err, workflow.ErrNotFound), "got %v", err)
}

func testPing(t *testing.T, s workflow.Store) {
	assert.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
}

func ids(execs []*workflow.Execution) []string {
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.ID
	}
	return out
}

func stepNames(steps []*workflow.StepExecution) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.StepName
	}
	return out
}
