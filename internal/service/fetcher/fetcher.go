package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/schollz/progressbar/v3"

	"github.com/oshokin/brewkit/internal/domain/recipe"
	"github.com/oshokin/brewkit/internal/logger"
	"github.com/oshokin/brewkit/internal/version"
)

const (
	// DefaultTimeout bounds one download attempt.
	DefaultTimeout = 60 * time.Second
	// DefaultMaxRetries is how many times transient failures are retried.
	DefaultMaxRetries = 3
	// DefaultMaxRedirects bounds redirect chains.
	DefaultMaxRedirects = 5
	// DefaultBackoffInitial is the delay before the first retry.
	DefaultBackoffInitial = 500 * time.Millisecond
	// DefaultBackoffMax caps the delay between retries.
	DefaultBackoffMax = 10 * time.Second

	// progressThrottle limits how often the progress bar redraws.
	progressThrottle = 100 * time.Millisecond
)

// Fetcher downloads archives over HTTP(S).
type Fetcher struct {
	// client performs requests; its CheckRedirect enforces maxRedirects.
	client *http.Client
	// timeout bounds one attempt.
	timeout time.Duration
	// maxRetries bounds retries after the first attempt.
	maxRetries int
	// maxRedirects bounds redirect chains.
	maxRedirects int
	// backoffInitial and backoffMax shape the exponential backoff.
	backoffInitial time.Duration
	backoffMax     time.Duration
	// workDir receives temporary download files ("" means the OS temp dir).
	workDir string
	// progress receives a byte progress bar when non-nil.
	progress io.Writer
	// userAgent is sent with every request.
	userAgent string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient uses a copy of c for requests. Its CheckRedirect is replaced.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			cloned := *c
			f.client = &cloned
		}
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

// WithMaxRetries sets how many times transient failures are retried.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		if n >= 0 {
			f.maxRetries = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between retries.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(f *Fetcher) {
		if initial > 0 {
			f.backoffInitial = initial
		}

		if maxDelay > 0 {
			f.backoffMax = maxDelay
		}
	}
}

// WithMaxRedirects sets the redirect bound.
func WithMaxRedirects(n int) Option {
	return func(f *Fetcher) {
		if n >= 0 {
			f.maxRedirects = n
		}
	}
}

// WithWorkDir places temporary downloads under dir.
func WithWorkDir(dir string) Option {
	return func(f *Fetcher) {
		f.workDir = dir
	}
}

// WithProgress renders a download progress bar to w.
func WithProgress(w io.Writer) Option {
	return func(f *Fetcher) {
		f.progress = w
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// New creates a Fetcher with secure defaults.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:         newSecureHTTPClient(),
		timeout:        DefaultTimeout,
		maxRetries:     DefaultMaxRetries,
		maxRedirects:   DefaultMaxRedirects,
		backoffInitial: DefaultBackoffInitial,
		backoffMax:     DefaultBackoffMax,
		userAgent:      version.UserAgent(),
	}

	for _, opt := range opts {
		opt(f)
	}

	f.client.CheckRedirect = f.checkRedirect

	return f
}

// newSecureHTTPClient returns a client restricted to TLS 1.2+.
func newSecureHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // stdlib guarantees the type.
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	transport.ForceAttemptHTTP2 = true

	return &http.Client{
		Transport: transport,
	}
}

// checkRedirect stops redirect chains longer than maxRedirects.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > f.maxRedirects {
		return fmt.Errorf("%w: stopped after %d", errTooManyRedirects, f.maxRedirects)
	}

	if !slices.Contains(recipe.SupportedSchemes(), strings.ToLower(req.URL.Scheme)) {
		return fmt.Errorf("%w: redirect to %s", ErrUnsupportedTransport, req.URL.Scheme)
	}

	return nil
}

// Fetch downloads rawURL into a temporary file. The caller owns the returned
// Archive and must Close (or Retain) it. On error no temporary file remains.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Archive, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FetchError{Kind: KindUnsupported, URL: rawURL, Attempts: 0, Err: err}
	}

	if !slices.Contains(recipe.SupportedSchemes(), strings.ToLower(u.Scheme)) {
		return nil, &FetchError{
			Kind: KindUnsupported,
			URL:  rawURL,
			Err:  fmt.Errorf("%w: %q", ErrUnsupportedTransport, u.Scheme),
		}
	}

	file, err := os.CreateTemp(f.workDir, "brewkit-download-*")
	if err != nil {
		return nil, fmt.Errorf("create download file: %w", err)
	}

	archive := &Archive{
		Path: file.Name(),
		Name: path.Base(u.Path),
		URL:  rawURL,
	}

	size, err := f.download(ctx, u, file)

	if closeErr := file.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("close download file: %w", closeErr)
	}

	if err != nil {
		_ = os.Remove(archive.Path)

		return nil, err
	}

	archive.Size = size

	logger.InfoKV(ctx, "Archive downloaded", "url", rawURL, "bytes", size)

	return archive, nil
}

// download runs the retry loop and converts the outcome into a typed error.
func (f *Fetcher) download(ctx context.Context, u *url.URL, file *os.File) (int64, error) {
	var (
		attempts int
		size     int64
	)

	operation := func() error {
		attempts++

		n, err := f.attempt(ctx, u, file)
		if err == nil {
			size = n
			return nil
		}

		if !isTransient(ctx, err) {
			return backoff.Permanent(err)
		}

		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.WarnKV(ctx, "Download attempt failed, retrying",
			"url", u.String(), "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(f.newBackOff(), ctx), notify)
	if err == nil {
		return size, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, fmt.Errorf("fetch %s: %w", u, ctxErr)
	}

	var (
		statusErr *statusError
		writeErr  *writeError
	)

	switch {
	case errors.As(err, &statusErr):
		return 0, &FetchError{
			Kind:       KindHTTPStatus,
			URL:        u.String(),
			StatusCode: statusErr.code,
			Attempts:   attempts,
			Err:        err,
		}
	case errors.As(err, &writeErr):
		return 0, fmt.Errorf("fetch %s: %w", u, writeErr)
	case errors.Is(err, ErrUnsupportedTransport):
		return 0, &FetchError{Kind: KindUnsupported, URL: u.String(), Attempts: attempts, Err: err}
	default:
		return 0, &FetchError{Kind: KindUnreachable, URL: u.String(), Attempts: attempts, Err: err}
	}
}

// newBackOff builds the retry policy: exponential delays, maxRetries retries.
//
//nolint:ireturn // backoff composes through its interface.
func (f *Fetcher) newBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = f.backoffInitial
	exponential.MaxInterval = f.backoffMax
	exponential.Multiplier = 2
	exponential.MaxElapsedTime = 0

	return backoff.WithMaxRetries(exponential, uint64(f.maxRetries)) //nolint:gosec // maxRetries is never negative.
}

// attempt performs one request and streams the body into file.
func (f *Fetcher) attempt(ctx context.Context, u *url.URL, file *os.File) (int64, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}

	defer func() {
		_ = resp.Body.Close() // read-only response body
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, &statusError{code: resp.StatusCode, status: resp.Status}
	}

	// A retry must not append to the bytes of a failed attempt.
	if err = file.Truncate(0); err != nil {
		return 0, &writeError{err: err}
	}

	if _, err = file.Seek(0, io.SeekStart); err != nil {
		return 0, &writeError{err: err}
	}

	var dst io.Writer = &fileWriter{file: file}

	if f.progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(f.progress),
			progressbar.OptionSetDescription("downloading "+path.Base(u.Path)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(progressThrottle),
		)

		defer func() {
			_ = bar.Finish()
		}()

		dst = io.MultiWriter(dst, bar)
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, err
	}

	return n, nil
}

// fileWriter tags local write failures so they are not mistaken for network errors.
type fileWriter struct {
	file *os.File
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		return n, &writeError{err: err}
	}

	return n, nil
}

// isTransient reports whether a failed attempt is worth retrying.
func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var (
		statusErr    *statusError
		writeErr     *writeError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		certInvalid  x509.CertificateInvalidError
		tlsRecordErr tls.RecordHeaderError
	)

	switch {
	case errors.As(err, &statusErr),
		errors.As(err, &writeErr),
		errors.Is(err, errTooManyRedirects),
		errors.Is(err, ErrUnsupportedTransport),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr),
		errors.As(err, &certInvalid),
		errors.As(err, &tlsRecordErr):
		return false
	default:
		// Connection resets, refused connections, attempt timeouts and
		// truncated bodies all end up here.
		return true
	}
}
