package healthcheck

import "context"

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusWarn indicates check completed with warning.
	StatusWarn = "warn"
	// StatusError indicates check failed.
	StatusError = "error"
	// StatusUnknown indicates check result is not yet known.
	StatusUnknown = "unknown"
)

// CheckResult is one runtime check item produced by a checker.
type CheckResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Subtitle string         `json:"subtitle,omitempty"`
	Status   string         `json:"status"`
	Summary  string         `json:"summary"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker evaluates one or more runtime checks for a user. An empty user id
// asks for every check.
type Checker interface {
	ListChecks(ctx context.Context, userID string) []CheckResult
}

// Worst returns the most severe status among items, StatusOK when empty.
func Worst(items []CheckResult) string {
	rank := map[string]int{StatusOK: 0, StatusUnknown: 1, StatusWarn: 2, StatusError: 3}
	worst := StatusOK
	for _, item := range items {
		if rank[item.Status] > rank[worst] {
			worst = item.Status
		}
	}
	return worst
}
