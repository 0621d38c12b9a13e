package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// Error taxonomy shared by the pipeline stages.
var (
	ErrTransientNetwork = errors.New("transient network error")
	ErrTransform        = errors.New("image transform failed")
	ErrPermission       = errors.New("permission denied")
	ErrConflict         = errors.New("write conflict")
	ErrCancelled        = errors.New("job cancelled")
	ErrConfiguration    = errors.New("configuration error")
	ErrNotFound         = errors.New("not found")
)

var permissionPattern = regexp.MustCompile(
	`(?i)row[- ]level security|permission denied|forbidden|access denied|unauthori[sz]ed|\b40[13]\b`,
)

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string {
	return fmt.Sprintf("%s: %v", c.kind, c.err)
}

func (c *classified) Unwrap() []error {
	return []error{c.kind, c.err}
}

// Classify tags err with kind while keeping err reachable through errors.Is/As.
func Classify(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &classified{kind: kind, err: err}
}

// Transient marks err as a retryable network failure.
func Transient(err error) error { return Classify(ErrTransientNetwork, err) }

// TransformFailure marks err as a non-retryable image failure.
func TransformFailure(err error) error { return Classify(ErrTransform, err) }

// Permission marks err as a permission failure.
func Permission(err error) error { return Classify(ErrPermission, err) }

// Configuration builds an ErrConfiguration naming the missing dependency.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// IsPermissionDenied matches the sentinel or a permission-class message.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermission) {
		return true
	}
	return permissionPattern.MatchString(err.Error())
}

// IsCancelled reports cooperative cancellation or a cancelled context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTransform),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrNotFound),
		errors.Is(err, context.Canceled):
		return false
	case IsPermissionDenied(err):
		return false
	default:
		return true
	}
}

// Checkpoint returns ErrCancelled when ctx is done or check reports cancellation.
func Checkpoint(ctx context.Context, check CancelCheck) error {
	if err := ctx.Err(); err != nil {
		if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrCancelled) {
			return cause
		}
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if check != nil && check(ctx) {
		return ErrCancelled
	}
	return nil
}

// StatusError classifies an HTTP response status. It returns nil below 400.
func StatusError(status int) error {
	err := fmt.Errorf("http status %d", status)
	switch {
	case status < 400:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Transient(err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Permission(err)
	default:
		return Classify(ErrNotFound, err)
	}
}
