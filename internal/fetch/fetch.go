// Package fetch downloads attachment content referenced by inbound messages.
//
// A reference is either an http(s) URL or a data: URL. Every download is
// bounded in time and size, and the number of concurrent http downloads is
// capped by a Limiter. Failures are reported as *Error.
package fetch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/JonMunkholm/sheetbot/internal/hostlist"
	"github.com/JonMunkholm/sheetbot/internal/logging"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 25 << 20
)

// Kind classifies a fetch failure.
type Kind int

const (
	KindTransport Kind = iota
	KindTimeout
	KindStatus
	KindTooLarge
	KindEmpty
	KindInvalidRef
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindStatus:
		return "bad status"
	case KindTooLarge:
		return "too large"
	case KindEmpty:
		return "empty body"
	case KindInvalidRef:
		return "invalid reference"
	case KindBusy:
		return "busy"
	default:
		return "transport"
	}
}

// Error is returned for every failed Fetch.
type Error struct {
	Kind       Kind
	Ref        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", Redact(e.Ref), e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (%d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Fetcher. Zero values fall back to defaults.
type Options struct {
	Client   *http.Client
	Timeout  time.Duration
	MaxBytes int64
	Limiter  *Limiter

	// TokenSource, when set, adds a bearer token to downloads from
	// TokenHosts. Other hosts are fetched without it.
	TokenSource oauth2.TokenSource
	TokenHosts  hostlist.List
}

// Fetcher retrieves raw bytes for a content reference.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	limiter  *Limiter
	tokens   oauth2.TokenSource
	hosts    hostlist.List
}

func New(opts Options) *Fetcher {
	f := &Fetcher{
		client:   opts.Client,
		timeout:  opts.Timeout,
		maxBytes: opts.MaxBytes,
		limiter:  opts.Limiter,
		tokens:   opts.TokenSource,
		hosts:    opts.TokenHosts,
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxBytes
	}
	if f.limiter == nil {
		f.limiter = NewLimiter(DefaultMaxConcurrent, DefaultMaxWait)
	}
	return f
}

// Limiter exposes the download limiter for status reporting and shutdown.
func (f *Fetcher) Limiter() *Limiter {
	return f.limiter
}

// Fetch returns the bytes ref points to. It makes a single attempt.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	scheme, _, ok := strings.Cut(ref, ":")
	if !ok {
		return nil, &Error{Kind: KindInvalidRef, Ref: ref, Err: errors.New("missing scheme")}
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(scheme) {
	case "data":
		data, err = f.decodeDataURL(ref)
	case "http", "https":
		data, err = f.download(ctx, ref)
	default:
		return nil, &Error{Kind: KindInvalidRef, Ref: ref, Err: fmt.Errorf("unsupported scheme %q", scheme)}
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &Error{Kind: KindEmpty, Ref: ref}
	}
	return data, nil
}

func (f *Fetcher) download(ctx context.Context, ref string) ([]byte, error) {
	log := logging.FromContext(ctx)

	if err := f.limiter.Acquire(ctx); err != nil {
		if errors.Is(err, ErrTooManyFetches) {
			return nil, &Error{Kind: KindBusy, Ref: ref, Err: err}
		}
		return nil, &Error{Kind: KindTransport, Ref: ref, Err: err}
	}
	defer f.limiter.Release()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRef, Ref: ref, Err: err}
	}
	if f.tokens != nil && f.hosts.Allows(req.URL) {
		tok, err := f.tokens.Token()
		if err != nil {
			return nil, &Error{Kind: KindTransport, Ref: ref, Err: fmt.Errorf("token: %w", err)}
		}
		tok.SetAuthHeader(req)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.transportError(ctx, ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &Error{Kind: KindStatus, Ref: ref, StatusCode: resp.StatusCode}
	}
	if resp.ContentLength > f.maxBytes {
		return nil, &Error{Kind: KindTooLarge, Ref: ref, Err: fmt.Errorf("%d bytes exceeds limit of %d", resp.ContentLength, f.maxBytes)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, f.transportError(ctx, ref, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, &Error{Kind: KindTooLarge, Ref: ref, Err: fmt.Errorf("body exceeds limit of %d bytes", f.maxBytes)}
	}

	log.Debug("attachment downloaded",
		slog.String("ref", Redact(ref)),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", time.Since(start)),
	)
	return data, nil
}

func (f *Fetcher) transportError(ctx context.Context, ref string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Ref: ref, Err: fmt.Errorf("no response within %s", f.timeout)}
	}
	return &Error{Kind: KindTransport, Ref: ref, Err: err}
}

// decodeDataURL decodes data:[<mediatype>][;base64],<payload>.
func (f *Fetcher) decodeDataURL(ref string) ([]byte, error) {
	meta, payload, ok := strings.Cut(ref[len("data:"):], ",")
	if !ok {
		return nil, &Error{Kind: KindInvalidRef, Ref: ref, Err: errors.New("data URL has no payload separator")}
	}

	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		if int64(base64.StdEncoding.DecodedLen(len(payload))) > f.maxBytes+2 {
			return nil, &Error{Kind: KindTooLarge, Ref: ref, Err: fmt.Errorf("payload exceeds limit of %d bytes", f.maxBytes)}
		}
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
	} else {
		var s string
		s, err = url.PathUnescape(payload)
		data = []byte(s)
	}
	if err != nil {
		return nil, &Error{Kind: KindInvalidRef, Ref: ref, Err: err}
	}
	if int64(len(data)) > f.maxBytes {
		return nil, &Error{Kind: KindTooLarge, Ref: ref, Err: fmt.Errorf("payload exceeds limit of %d bytes", f.maxBytes)}
	}
	return data, nil
}

// Redact shortens ref for logs and error text: data: payloads and URL query
// strings are dropped.
func Redact(ref string) string {
	if len(ref) >= 5 && strings.EqualFold(ref[:5], "data:") {
		meta, _, _ := strings.Cut(ref, ",")
		return meta + ",..."
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}
