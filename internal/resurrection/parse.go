package resurrection

import (
	"encoding/json"

	"github.com/harrison/conductor-engine/internal/llmproc"
)

// unmarshalLenient unmarshals content, falling back to brace-extraction when
// the model wrapped its JSON in prose despite the schema constraint.
func unmarshalLenient(content string, out interface{}) error {
	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}
	extracted := llmproc.ExtractJSON(content)
	if extracted == "" {
		return json.Unmarshal([]byte(content), out)
	}
	return json.Unmarshal([]byte(extracted), out)
}
