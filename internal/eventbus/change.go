package eventbus

import "go2tv.app/avsession/internal/domain"

// Diff builds a Change from two values of a filterable struct type.
func Diff[T any](sessionID string, old, next T) Change {
	return Change{
		SessionID: sessionID,
		Changed:   domain.ChangedFields(old, next),
		Full:      next,
		Project: func(fields []string) any {
			return domain.Project(next, fields)
		},
	}
}
