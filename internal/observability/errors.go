package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errs under operation and logs them once at
// Error. It returns nil when every entry is nil.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	failures := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	joined := errors.Join(failures...)
	logFields := append(append([]Field(nil), fields...),
		F("operation", operation),
		F("error_count", len(failures)),
		F("errors", joined.Error()),
	)
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}
