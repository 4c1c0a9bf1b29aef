package messagequeue

import (
	"encoding/json"
	"fmt"

	"github.com/Strob0t/sentry-webhooks/internal/domain/issue"
)

// Validate checks that data is valid JSON matching the schema of subject.
// Unknown subjects only need to be valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectPostProcess:
		var msg issue.PostProcess
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
	}
	return nil
}
