package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func WorkflowSnapshotKey(workflowID uuid.UUID) string {
	return fmt.Sprintf("workflow:snapshot:%s", workflowID)
}

// RateLimitKey namespaces a limiter counter by subject, e.g. "user:<id>" or an API key prefix.
func RateLimitKey(subject string) string {
	return fmt.Sprintf("ratelimit:%s", subject)
}
