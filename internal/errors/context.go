package errors

import "context"

// Sentinels re-exported to keep KindOf free of a context import cycle in
// callers that alias this package.
var (
	contextCanceled = context.Canceled
	contextDeadline = context.DeadlineExceeded
)

// FromContext converts a context error into a Cancelled Error.
// Returns nil when the context is still live.
func FromContext(ctx context.Context, op string) *Error {
	if err := ctx.Err(); err != nil {
		return Wrap(KindCancelled, op, err)
	}
	return nil
}
