package fetcher

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure.
type Kind int

// Fetch failure kinds.
const (
	// KindUnreachable means the server could not be reached after all retries.
	KindUnreachable Kind = iota + 1
	// KindHTTPStatus means the server answered with a non-2xx status.
	KindHTTPStatus
	// KindUnsupported means the URL uses a transport the fetcher lacks.
	KindUnsupported
)

// String names the kind.
func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindHTTPStatus:
		return "http status"
	case KindUnsupported:
		return "unsupported transport"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrFetch classifies every *FetchError.
	ErrFetch = errors.New("fetch failed")
	// ErrUnreachable matches fetch errors of KindUnreachable.
	ErrUnreachable = errors.New("source unreachable")
	// ErrHTTPStatus matches fetch errors of KindHTTPStatus.
	ErrHTTPStatus = errors.New("unexpected http status")
	// ErrUnsupportedTransport matches fetch errors of KindUnsupported.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// errTooManyRedirects stops redirect loops.
	errTooManyRedirects = errors.New("too many redirects")
)

// FetchError describes why an archive could not be downloaded.
type FetchError struct {
	// Kind classifies the failure.
	Kind Kind
	// URL is the requested location.
	URL string
	// StatusCode is set for KindHTTPStatus.
	StatusCode int
	// Attempts is how many requests were made.
	Attempts int
	// Err is the last underlying error.
	Err error
}

// Error renders the failure with its diagnostic values.
func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("fetch %s: %s %d", e.URL, ErrHTTPStatus, e.StatusCode)
	case KindUnreachable:
		return fmt.Sprintf("fetch %s: %s after %d attempt(s): %v", e.URL, ErrUnreachable, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches ErrFetch and the sentinel of the error's kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrFetch:
		return true
	case ErrUnreachable:
		return e.Kind == KindUnreachable
	case ErrHTTPStatus:
		return e.Kind == KindHTTPStatus
	case ErrUnsupportedTransport:
		return e.Kind == KindUnsupported
	default:
		return false
	}
}

// statusError is a non-2xx response; it is never retried.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	return "unexpected status " + e.status
}

// writeError is a local disk failure while saving the body; it is never retried.
type writeError struct {
	err error
}

func (e *writeError) Error() string {
	return "write download: " + e.err.Error()
}

func (e *writeError) Unwrap() error {
	return e.err
}
