package resurrection

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

func TestNegotiator_ApprovesOnFirstRound(t *testing.T) {
	bin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"verdict\":\"APPROVED\",\"reasoning\":\"partial progress looks solid\"}"}'`)
	n := NewNegotiator(llmproc.New(bin))
	task := models.NewTask("t1", "build thing", models.KindImplementation, models.ComplexityMedium, models.PriorityHigh)

	result, err := n.Negotiate(context.Background(), task, "silent > 15 min", "wrote half the handler")
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.Equal(t, 1, result.RoundsUsed)
	assert.False(t, result.FallbackApplied)
}

func TestNegotiator_ExhaustsRoundsAndFallsBack(t *testing.T) {
	bin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"verdict\":\"REJECTED\",\"reasoning\":\"no evidence of progress\"}"}'`)
	n := NewNegotiator(llmproc.New(bin))
	n.MaxRounds = 2
	task := models.NewTask("t1", "build thing", models.KindImplementation, models.ComplexityMedium, models.PriorityHigh)

	result, err := n.Negotiate(context.Background(), task, "loop: retry", "")
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.True(t, result.FallbackApplied)
	assert.Equal(t, 2, result.RoundsUsed)
}

func TestNegotiator_UnparsableResponseTreatedAsReject(t *testing.T) {
	bin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"not json at all"}'`)
	n := NewNegotiator(llmproc.New(bin))
	n.MaxRounds = 1
	task := models.NewTask("t1", "build thing", models.KindImplementation, models.ComplexityMedium, models.PriorityHigh)

	result, err := n.Negotiate(context.Background(), task, "bad state: zombie", "")
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.True(t, result.FallbackApplied)
}

func TestReEstimator_ConsensusChangesComplexity(t *testing.T) {
	bin := writeFakeBinary(t, `
cat >/dev/null
if [ -z "$seen" ]; then :; fi
echo '{"content":"{\"consensus\":true,\"new_complexity\":\"large\",\"reasoning\":\"scope grew significantly\"}"}'
`)
	r := NewReEstimator(llmproc.New(bin))
	r.Personas = []string{"estimator"}
	task := models.NewTask("t1", "build thing", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)

	result, err := r.ReEstimate(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, models.ComplexityLarge, result.NewComplexity)
}

func TestReEstimator_NoConsensusLeavesComplexityUnchanged(t *testing.T) {
	bin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"consensus\":false,\"new_complexity\":\"large\",\"reasoning\":\"split opinion\"}"}'`)
	r := NewReEstimator(llmproc.New(bin))
	r.Personas = []string{"estimator"}
	task := models.NewTask("t1", "build thing", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)

	result, err := r.ReEstimate(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, models.ComplexitySmall, result.NewComplexity)
}

func TestReEstimator_ParseFailureLeavesComplexityUnchanged(t *testing.T) {
	bin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"garbage"}'`)
	r := NewReEstimator(llmproc.New(bin))
	r.Personas = []string{"estimator"}
	task := models.NewTask("t1", "build thing", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)

	result, err := r.ReEstimate(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, models.ComplexitySmall, result.NewComplexity)
}

func TestReEstimator_MultiPersonaRoundRobin(t *testing.T) {
	bin := writeFakeBinary(t, `
cat >/dev/null
echo '{"content":"{\"consensus\":true,\"new_complexity\":\"trivial\",\"reasoning\":\"actually much simpler than thought\"}"}'
`)
	r := NewReEstimator(llmproc.New(bin))
	task := models.NewTask("t1", "build thing", models.KindImplementation, models.ComplexityMedium, models.PriorityHigh)

	result, err := r.ReEstimate(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, models.ComplexityTrivial, result.NewComplexity)
}
