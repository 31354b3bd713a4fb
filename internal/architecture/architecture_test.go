package architecture

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/conductor-engine/internal/llmproc"
	"github.com/harrison/conductor-engine/internal/models"
)

func writeFakeBinary(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-llm")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestShouldGenerateContract(t *testing.T) {
	plan := models.NewPlan("p1", "build a thing", models.ModeSprint)
	assert.False(t, ShouldGenerateContract(plan))

	plan.Tasks = append(plan.Tasks,
		*models.NewTask("t1", "build a", models.KindImplementation, models.ComplexitySmall, models.PriorityMedium),
		*models.NewTask("t2", "build b", models.KindImplementation, models.ComplexitySmall, models.PriorityMedium),
	)
	assert.True(t, ShouldGenerateContract(plan))
}

func TestChecker_GenerateContract(t *testing.T) {
	bin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"contract\":\"use internal/shared for common types\"}"}'`)
	c := NewChecker(llmproc.New(bin), t.TempDir())
	plan := models.NewPlan("p1", "build a thing", models.ModeSprint)
	plan.Tasks = append(plan.Tasks, *models.NewTask("t1", "build a", models.KindImplementation, models.ComplexitySmall, models.PriorityMedium))

	contract, err := c.GenerateContract(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, "use internal/shared for common types", contract)
}

func TestChecker_CheckWave_NoContractIsNoop(t *testing.T) {
	c := NewChecker(llmproc.New("irrelevant"), t.TempDir())
	plan := models.NewPlan("p1", "build a thing", models.ModeSprint)

	deviations, err := c.CheckWave(context.Background(), plan, models.Wave{Index: 0})
	require.NoError(t, err)
	assert.Nil(t, deviations)
}

func TestChecker_CheckWave_AllClear(t *testing.T) {
	bin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"all_clear\":true,\"deviations\":[]}"}'`)
	root := t.TempDir()
	c := NewChecker(llmproc.New(bin), root)
	plan := models.NewPlan("p1", "build a thing", models.ModeSprint)
	plan.ArchitectureContract = "use shared types"
	task := models.NewTask("t1", "build a", models.KindImplementation, models.ComplexitySmall, models.PriorityMedium)
	task.Artifacts = []string{"a.go"}
	plan.Tasks = append(plan.Tasks, *task)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a"), 0o644))

	deviations, err := c.CheckWave(context.Background(), plan, models.Wave{Index: 1, TaskIDs: []string{"t1"}})
	require.NoError(t, err)
	assert.Empty(t, deviations)
}

func TestChecker_CheckWave_ReportsDeviations(t *testing.T) {
	bin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"all_clear\":false,\"deviations\":[\"task t1 used a different package name\"]}"}'`)
	root := t.TempDir()
	c := NewChecker(llmproc.New(bin), root)
	plan := models.NewPlan("p1", "build a thing", models.ModeSprint)
	plan.ArchitectureContract = "use shared types"
	task := models.NewTask("t1", "build a", models.KindImplementation, models.ComplexitySmall, models.PriorityMedium)
	task.Artifacts = []string{"missing.go"}
	plan.Tasks = append(plan.Tasks, *task)

	deviations, err := c.CheckWave(context.Background(), plan, models.Wave{Index: 1, TaskIDs: []string{"t1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"task t1 used a different package name"}, deviations)
}

func TestChecker_ReadArtifact_TruncatesLongFiles(t *testing.T) {
	root := t.TempDir()
	c := NewChecker(llmproc.New("irrelevant"), root)
	big := make([]byte, maxArtifactBytes+500)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.go"), big, 0o644))

	out := c.readArtifact("big.go")
	assert.Contains(t, out, "...(truncated)")
	assert.Less(t, len(out), len(big))
}

func TestChecker_ReadArtifact_MissingFileIsPlaceholder(t *testing.T) {
	c := NewChecker(llmproc.New("irrelevant"), t.TempDir())
	out := c.readArtifact("nope.go")
	assert.Contains(t, out, "could not read")
}
