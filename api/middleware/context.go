package middleware

import (
	"context"

	"github.com/kilnbook/kilnbook-backend/internal/identity"
)

// SubjectID returns the verified subject id placed by Auth, or "".
func SubjectID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	subject, ok := identity.SubjectFromContext(ctx)
	if !ok {
		return ""
	}
	return subject.ID()
}
