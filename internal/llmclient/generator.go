// internal/llmclient/generator.go
package llmclient

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// Prompt is one model call: instructions, the serialized request and an
// optional PNG screenshot of the page.
type Prompt struct {
	System string
	User   string
	Image  []byte
	// JSON asks the provider to constrain output to a JSON document.
	JSON bool
}

// Generator produces a completion for a prompt. Implementations wrap
// non-retryable failures with backoff.Permanent.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
	Name() string
}

// IsPermanent reports whether err was marked as not worth retrying.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// retryableStatus is true for HTTP statuses that indicate a transient failure.
func retryableStatus(code int) bool {
	switch {
	case code == 408, code == 409, code == 429:
		return true
	case code >= 500:
		return true
	}
	return false
}
