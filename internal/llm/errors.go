package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
)

// ErrorKind tags a failed Response. The values are stable strings used in
// logs and by automation.
type ErrorKind string

const (
	// Configuration
	KindAPIKeyMissing     ErrorKind = "APIKeyMissing"
	KindClientInitError   ErrorKind = "ClientInitError"
	KindCLINotAvailable   ErrorKind = "CLINotAvailable"
	KindNotConfigured     ErrorKind = "NotConfigured"
	KindModelNotAvailable ErrorKind = "Model not available"

	// Transport
	KindTimeout         ErrorKind = "Timeout"
	KindConnectionError ErrorKind = "ConnectionError"
	KindHTTPError       ErrorKind = "HTTPError"

	// Provider-semantic
	KindRateLimit      ErrorKind = "RateLimit"
	KindOverloaded     ErrorKind = "Overloaded"
	KindAuthentication ErrorKind = "Authentication"

	// Gates
	KindPolicyViolation ErrorKind = "PolicyViolation"
	KindBudgetExceeded  ErrorKind = "BudgetExceeded"

	KindInterrupted ErrorKind = "Interrupted"
	KindParseError  ErrorKind = "ParseError"
	KindInvalid     ErrorKind = "InvalidRequest"
	KindUnknown     ErrorKind = "UnknownError"
)

// Category groups kinds by the operator action they call for.
type Category string

const (
	CategoryConfiguration Category = "configuration"
	CategoryTransport     Category = "transport"
	CategoryProvider      Category = "provider"
	CategoryPolicy        Category = "policy"
	CategoryBudget        Category = "budget"
	CategoryCancellation  Category = "cancellation"
	CategoryOther         Category = "other"
)

// Category returns the kind's group.
func (k ErrorKind) Category() Category {
	switch k {
	case KindAPIKeyMissing, KindClientInitError, KindCLINotAvailable, KindNotConfigured, KindModelNotAvailable:
		return CategoryConfiguration
	case KindTimeout, KindConnectionError, KindHTTPError:
		return CategoryTransport
	case KindRateLimit, KindOverloaded, KindAuthentication:
		return CategoryProvider
	case KindPolicyViolation:
		return CategoryPolicy
	case KindBudgetExceeded:
		return CategoryBudget
	case KindInterrupted:
		return CategoryCancellation
	default:
		return CategoryOther
	}
}

// Fallbackable reports whether the routing executor may try the next backend.
func (k ErrorKind) Fallbackable() bool {
	switch k {
	case KindInterrupted, KindPolicyViolation, KindBudgetExceeded, KindInvalid:
		return false
	}
	return true
}

// StatusError is a non-2xx HTTP response from a backend.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.Status, e.Body)
}

// KindError pins an explicit kind on an error.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

func withKind(kind ErrorKind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// ClassifyError maps a transport or vendor error onto an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindInterrupted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, exec.ErrNotFound) {
		return KindCLINotAvailable
	}

	var se *StatusError
	if errors.As(err, &se) {
		return kindForStatus(se.Status, se.Body)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return KindConnectionError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return KindConnectionError
	case strings.Contains(msg, "rate limit"):
		return KindRateLimit
	case strings.Contains(msg, "overloaded"):
		return KindOverloaded
	}
	return KindUnknown
}

func kindForStatus(status int, body string) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == 529 || status == http.StatusServiceUnavailable:
		return KindOverloaded
	case status == http.StatusNotFound && strings.Contains(strings.ToLower(body), "model"):
		return KindModelNotAvailable
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return KindTimeout
	default:
		return KindHTTPError
	}
}

// enrich adds operator guidance for provider-semantic failures.
func enrich(kind ErrorKind, msg string) string {
	switch kind {
	case KindRateLimit:
		return "[RateLimit] provider rate limit reached, retry later: " + msg
	case KindOverloaded:
		return "[Overloaded] provider is overloaded: " + msg
	case KindAuthentication:
		return "[Authentication] check the API key: " + msg
	}
	return fmt.Sprintf("[%s] %s", kind, msg)
}

// KindProcessError tags a vendor CLI that exited non-zero for a reason not
// otherwise recognized.
const KindProcessError ErrorKind = "ProcessError"
