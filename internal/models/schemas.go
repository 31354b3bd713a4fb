package models

import "encoding/json"

// TaskOutputSchema returns the JSON Schema an LLM subprocess's final message
// must satisfy when reporting the outcome of a task. The Supervisor parses
// this structure out of the subprocess's trailing output to classify the
// outcome and to populate Task.Artifacts.
func TaskOutputSchema() string {
	return `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Task Output",
  "description": "Structured result reported by a task's LLM subprocess",
  "type": "object",
  "required": ["status", "summary"],
  "properties": {
    "status": {
      "type": "string",
      "enum": ["success", "failed"],
      "description": "Task execution status"
    },
    "summary": {
      "type": "string",
      "description": "Brief description of the result"
    },
    "files_modified": {
      "type": "array",
      "items": { "type": "string" },
      "description": "Paths of files created or modified during execution"
    },
    "actual_complexity": {
      "type": "string",
      "enum": ["trivial", "small", "medium", "large"],
      "description": "The task's complexity as it actually turned out to be"
    },
    "errors": {
      "type": "array",
      "items": { "type": "string" },
      "description": "List of error messages, if status is failed"
    }
  },
  "additionalProperties": false
}`
}

// ResurrectionProposalSchema returns the JSON Schema the agent persona's
// message must satisfy when proposing a concrete adjustment to try after a
// kill, before the guardian reviews it.
func ResurrectionProposalSchema() string {
	schema := map[string]interface{}{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "Resurrection Proposal",
		"description": "The agent's proposed adjustment to try on the next attempt",
		"type":        "object",
		"required":    []string{"adjustment"},
		"properties": map[string]interface{}{
			"adjustment": map[string]interface{}{
				"type":        "string",
				"description": "A short, concrete change to the approach, addressing the kill reason",
			},
		},
		"additionalProperties": false,
	}
	b, _ := json.Marshal(schema)
	return string(b)
}

// ResurrectionVerdictSchema returns the JSON Schema the guardian persona's
// final message must satisfy during a resurrection negotiation round.
func ResurrectionVerdictSchema() string {
	schema := map[string]interface{}{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "Resurrection Verdict",
		"description": "The guardian's decision on whether a killed task may resume",
		"type":        "object",
		"required":    []string{"verdict", "reasoning"},
		"properties": map[string]interface{}{
			"verdict": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"APPROVED", "REJECTED"},
				"description": "Whether the task may resume",
			},
			"reasoning": map[string]interface{}{
				"type":        "string",
				"description": "Why the guardian reached this verdict",
			},
		},
		"additionalProperties": false,
	}
	b, _ := json.Marshal(schema)
	return string(b)
}

// ReEstimationSchema returns the JSON Schema the multi-persona deliberation's
// final consensus message must satisfy.
func ReEstimationSchema() string {
	schema := map[string]interface{}{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "Re-estimation Consensus",
		"description": "The deliberation panel's agreed new complexity for a task",
		"type":        "object",
		"required":    []string{"consensus", "new_complexity", "reasoning"},
		"properties": map[string]interface{}{
			"consensus": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether the panel reached agreement",
			},
			"new_complexity": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"trivial", "small", "medium", "large"},
				"description": "The panel's revised complexity estimate",
			},
			"reasoning": map[string]interface{}{
				"type":        "string",
				"description": "Summary of the panel's reasoning",
			},
		},
		"additionalProperties": false,
	}
	b, _ := json.Marshal(schema)
	return string(b)
}

// ArchitectureIntegrationSchema returns the JSON Schema the wave integration
// check's response must satisfy: either an all-clear, or a list of concrete
// deviations between what tasks actually built and the architecture
// contract.
func ArchitectureIntegrationSchema() string {
	schema := map[string]interface{}{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "Wave Integration Check",
		"description": "Whether a completed wave's artifacts conform to the architecture contract",
		"type":        "object",
		"required":    []string{"all_clear"},
		"properties": map[string]interface{}{
			"all_clear": map[string]interface{}{
				"type":        "boolean",
				"description": "True if no deviations were found",
			},
			"deviations": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Concrete deviations from the architecture contract, empty when all_clear",
			},
		},
		"additionalProperties": false,
	}
	b, _ := json.Marshal(schema)
	return string(b)
}

// LivenessVerdictSchema returns the JSON Schema the watchdog's deliberative
// fallback check must satisfy: a judgement call on a subprocess that no
// deterministic liveness rule could classify.
func LivenessVerdictSchema() string {
	schema := map[string]interface{}{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "Liveness Verdict",
		"description": "Whether an ambiguous, silent subprocess should be killed",
		"type":        "object",
		"required":    []string{"verdict", "reasoning"},
		"properties": map[string]interface{}{
			"verdict": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"KILL", "CONTINUE"},
				"description": "Whether to terminate the subprocess",
			},
			"reasoning": map[string]interface{}{
				"type":        "string",
				"description": "Why the model reached this verdict",
			},
		},
		"additionalProperties": false,
	}
	b, _ := json.Marshal(schema)
	return string(b)
}

// CriticVerdictSchema returns the JSON Schema the outer iteration loop's
// critic must satisfy when judging whether a plan's goal was reached.
func CriticVerdictSchema() string {
	schema := map[string]interface{}{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "Critic Verdict",
		"description": "Whether a completed plan satisfied its goal, and what to do next",
		"type":        "object",
		"required":    []string{"success", "reasoning"},
		"properties": map[string]interface{}{
			"success": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether the plan's goal was satisfied",
			},
			"reasoning": map[string]interface{}{
				"type":        "string",
				"description": "Why the critic reached this verdict",
			},
			"follow_up_goal": map[string]interface{}{
				"type":        "string",
				"description": "A new goal to pursue next, when success is false",
			},
			"follow_up_context": map[string]interface{}{
				"type":        "string",
				"description": "Context to carry into the follow-up goal's plan",
			},
		},
		"additionalProperties": false,
	}
	b, _ := json.Marshal(schema)
	return string(b)
}
