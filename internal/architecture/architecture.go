// Package architecture generates an upfront architecture contract for plans
// with multiple implementation tasks, and checks each completed wave's
// artifacts against it before the next wave starts. Both operations are a
// single LLM call apiece; there is no local static analysis here by design,
// the contract and its conformance are judgement calls, not something a
// linter can verify.
package architecture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harrison/conductor-engine/internal/llmproc"
	"github.com/harrison/conductor-engine/internal/models"
)

// minImplementationTasksForContract is the threshold below which generating
// a contract isn't worth the call: a single implementation task has no
// integration surface to protect.
const minImplementationTasksForContract = 2

// maxArtifactBytes bounds how much of any one artifact's content is sent to
// the integration check, keeping the prompt bounded regardless of file size.
const maxArtifactBytes = 4000

// Checker generates architecture contracts and runs wave integration checks.
type Checker struct {
	Channel     *llmproc.Channel
	ProjectRoot string
	Timeout     time.Duration
}

// NewChecker builds a Checker rooted at projectRoot, the directory task
// artifact paths are resolved relative to.
func NewChecker(channel *llmproc.Channel, projectRoot string) *Checker {
	return &Checker{Channel: channel, ProjectRoot: projectRoot, Timeout: 60 * time.Second}
}

// ShouldGenerateContract reports whether plan has enough implementation
// tasks to warrant an upfront architecture contract.
func ShouldGenerateContract(plan *models.Plan) bool {
	return plan.ImplementationTaskCount() >= minImplementationTasksForContract
}

// GenerateContract asks the model for a short architecture contract
// describing the shared conventions the plan's implementation tasks must
// follow (naming, module boundaries, error handling, shared interfaces). It
// is called once, at plan-construction time.
func (c *Checker) GenerateContract(ctx context.Context, plan *models.Plan) (string, error) {
	prompt := c.contractPrompt(plan)
	result, err := c.Channel.Run(ctx, llmproc.Request{
		Prompt:  prompt,
		Schema:  contractSchema(),
		Timeout: c.Timeout,
	})
	if err != nil {
		return "", fmt.Errorf("architecture: contract generation failed: %w", err)
	}

	var out struct {
		Contract string `json:"contract"`
	}
	if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
		return "", fmt.Errorf("architecture: failed to parse contract response: %w", err)
	}
	return out.Contract, nil
}

func (c *Checker) contractPrompt(plan *models.Plan) string {
	var tasks strings.Builder
	for _, t := range plan.Tasks {
		if t.Kind != models.KindImplementation {
			continue
		}
		fmt.Fprintf(&tasks, "- %s: %s\n", t.Name, t.Description)
	}

	return fmt.Sprintf(`The following implementation tasks will be executed concurrently, in
dependency order, by separate agents that cannot see each other's work
except through this contract.

Goal: %s

Implementation tasks:
%s
Write a short architecture contract: shared module boundaries, naming
conventions, the interfaces or data formats tasks must agree on, and
anything one task must not assume about another's internal structure.
Keep it concrete and specific to these tasks, not generic advice.`, plan.Goal, tasks.String())
}

func contractSchema() string {
	schema := map[string]interface{}{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"title":    "Architecture Contract",
		"type":     "object",
		"required": []string{"contract"},
		"properties": map[string]interface{}{
			"contract": map[string]interface{}{
				"type":        "string",
				"description": "The shared conventions implementation tasks in this plan must follow",
			},
		},
		"additionalProperties": false,
	}
	b, _ := json.Marshal(schema)
	return string(b)
}

// CheckWave reads the artifacts every task in wave reported, and asks the
// model whether they conform to plan's architecture contract. It returns the
// deviations found (empty when all clear) to be appended to the plan's
// integration notes and surfaced to every subsequent task's prompt.
func (c *Checker) CheckWave(ctx context.Context, plan *models.Plan, wave models.Wave) ([]string, error) {
	if plan.ArchitectureContract == "" {
		return nil, nil
	}

	prompt := c.wavePrompt(plan, wave)
	result, err := c.Channel.Run(ctx, llmproc.Request{
		Prompt:  prompt,
		Schema:  models.ArchitectureIntegrationSchema(),
		Timeout: c.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("architecture: wave %d integration check failed: %w", wave.Index, err)
	}

	var out struct {
		AllClear   bool     `json:"all_clear"`
		Deviations []string `json:"deviations"`
	}
	if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
		return nil, fmt.Errorf("architecture: failed to parse wave %d integration response: %w", wave.Index, err)
	}
	if out.AllClear {
		return nil, nil
	}
	return out.Deviations, nil
}

func (c *Checker) wavePrompt(plan *models.Plan, wave models.Wave) string {
	var artifacts strings.Builder
	for _, id := range wave.TaskIDs {
		task := plan.TaskByID(id)
		if task == nil {
			continue
		}
		fmt.Fprintf(&artifacts, "\n## %s\n", task.Name)
		for _, path := range task.Artifacts {
			fmt.Fprintf(&artifacts, "\n### %s\n```\n%s\n```\n", path, c.readArtifact(path))
		}
	}

	var priorNotes string
	if len(plan.IntegrationNotes) > 0 {
		priorNotes = "\nPrior integration notes:\n- " + strings.Join(plan.IntegrationNotes, "\n- ") + "\n"
	}

	return fmt.Sprintf(`Architecture contract:
%s
%s
Wave %d just completed. Review the artifacts below against the contract
above. Respond ALL_CLEAR if they conform, or list concrete deviations.
%s`, plan.ArchitectureContract, priorNotes, wave.Index, artifacts.String())
}

// readArtifact reads a task artifact relative to the checker's project root,
// truncating to maxArtifactBytes. A missing or unreadable file is reported
// as a placeholder rather than failing the whole check.
func (c *Checker) readArtifact(relPath string) string {
	full := filepath.Join(c.ProjectRoot, relPath)
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Sprintf("(could not read %s: %v)", relPath, err)
	}
	if len(data) > maxArtifactBytes {
		return string(data[:maxArtifactBytes]) + "\n...(truncated)"
	}
	return string(data)
}
