package identity

import "context"

type ctxKey struct{}

// WithSubject stores a verified subject on ctx.
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// SubjectFromContext returns the subject placed by the auth middleware.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(ctxKey{}).(Subject)
	if !ok || s.IsZero() {
		return Subject{}, false
	}
	return s, true
}
