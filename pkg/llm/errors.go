package llm

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Sentinel kinds matched with errors.Is.
var (
	ErrRateLimited   = errors.New("rate limited")
	ErrModelNotFound = errors.New("model not found")
)

// ErrorKind classifies a provider failure.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindRateLimited
	KindModelNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindModelNotFound:
		return "model_not_found"
	default:
		return "other"
	}
}

// ProviderError is returned by clients when the provider rejects a call.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Kind     ErrorKind
	Body     string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s status %d for model %s: %s", e.Provider, e.Status, e.Model, e.Body)
	}
	return fmt.Sprintf("%s error for model %s: %s", e.Provider, e.Model, e.Body)
}

// Is lets errors.Is match the kind sentinels.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrModelNotFound:
		return e.Kind == KindModelNotFound
	}
	return false
}

// KindFromStatus maps an HTTP status and body to an ErrorKind.
func KindFromStatus(status int, body string) ErrorKind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusNotFound:
		return KindModelNotFound
	case http.StatusBadRequest:
		lower := strings.ToLower(body)
		if strings.Contains(lower, "model") &&
			(strings.Contains(lower, "not found") || strings.Contains(lower, "not a valid") || strings.Contains(lower, "does not exist")) {
			return KindModelNotFound
		}
	}
	return KindOther
}

// Classify returns the kind of err. Typed errors are matched first; for
// untyped errors from third-party transports the message text is inspected.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrModelNotFound):
		return KindModelNotFound
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return classifyText(err.Error())
}

// Status numbers only count when they read as a status, so addresses and
// ports such as "10.0.0.1:4040" do not match.
var (
	rateLimitedText = regexp.MustCompile(`\b(status|code|http|error)\s*:?\s*429\b|\b429 too many requests\b|\brate[ -]limit|resource[ _]?exhausted|\bquota\b`)
	notFoundText    = regexp.MustCompile(`\b(status|code|http|error)\s*:?\s*404\b|\bmodel not found\b|\bnot a valid model\b|\bno endpoints found\b|\bmodels/\S+ is not found\b`)
)

func classifyText(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case rateLimitedText.MatchString(lower):
		return KindRateLimited
	case notFoundText.MatchString(lower):
		return KindModelNotFound
	}
	return KindOther
}

// IsModelFailure reports whether err means the model itself is unusable
// right now, as opposed to a transient step failure.
func IsModelFailure(err error) bool {
	k := Classify(err)
	return k == KindRateLimited || k == KindModelNotFound
}
