package executor

import (
	"time"

	"github.com/google/uuid"
)

// Standard header names applied by the request builder.
const (
	headerUserAgent      = "User-Agent"
	headerAcceptLanguage = "Accept-Language"
	headerAuthorization  = "Authorization"
	headerContentType    = "Content-Type"
	headerRequestID      = "X-Request-ID"

	contentTypeJSON = "application/json"
)

// Request is an outbound request. It is immutable once issued; a retry is a
// new Request value with the retried flag set and headers recomputed against
// the current token state.
type Request struct {
	URL         string
	Method      string
	Headers     map[string]string
	Body        []byte
	CachePolicy CachePolicy
	Timeout     time.Duration

	// ID correlates log lines and transport events across a retry.
	ID string

	useToken     bool
	extraHeaders map[string]string
	hasRetried   bool
}

// HasRetried reports whether this request already consumed its single
// refresh-and-retry. The transition is one-way.
func (r Request) HasRetried() bool {
	return r.hasRetried
}

// RequestOption customizes a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	body        []byte
	headers     map[string]string
	cachePolicy CachePolicy
	timeout     time.Duration
}

// WithBody sets the request body.
func WithBody(body []byte) RequestOption {
	return func(o *requestOptions) {
		o.body = body
	}
}

// WithHeader adds a header to the request. Builder-applied headers are not
// overridable; everything else is.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithCachePolicy sets the cache policy forwarded to the transport.
func WithCachePolicy(policy CachePolicy) RequestOption {
	return func(o *requestOptions) {
		o.cachePolicy = policy
	}
}

// WithRequestTimeout overrides the executor's default timeout for this
// request.
func WithRequestTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = timeout
	}
}

// requestBuilder builds outbound requests from a URL plus the current token
// state. Pure: no I/O, no error conditions.
type requestBuilder struct {
	account        Account
	userAgent      string
	defaultTimeout time.Duration
}

// build constructs a Request. When useToken is set and the account holds a
// non-expired bearer token, the Authorization and Content-Type headers are
// applied. Accept-Language is always forced empty so content does not vary
// by locale.
func (b *requestBuilder) build(method, url string, useToken bool, opts requestOptions) Request {
	req := Request{
		URL:          url,
		Method:       method,
		Body:         opts.body,
		CachePolicy:  opts.cachePolicy,
		Timeout:      opts.timeout,
		ID:           uuid.NewString(),
		useToken:     useToken,
		extraHeaders: opts.headers,
	}
	if req.Timeout <= 0 {
		req.Timeout = b.defaultTimeout
	}
	req.Headers = b.headers(useToken, opts.headers, req.ID)
	return req
}

// rebuildForRetry produces the retried copy of req: same target, same body,
// headers recomputed against the token state current at retry time. The
// correlation ID is carried over so log lines tie together.
func (b *requestBuilder) rebuildForRetry(req Request) Request {
	retried := Request{
		URL:          req.URL,
		Method:       req.Method,
		Body:         req.Body,
		CachePolicy:  req.CachePolicy,
		Timeout:      req.Timeout,
		ID:           req.ID,
		useToken:     req.useToken,
		extraHeaders: req.extraHeaders,
		hasRetried:   true,
	}
	retried.Headers = b.headers(req.useToken, req.extraHeaders, req.ID)
	return retried
}

func (b *requestBuilder) headers(useToken bool, extra map[string]string, id string) map[string]string {
	headers := make(map[string]string, len(extra)+4)
	for k, v := range extra {
		headers[k] = v
	}

	headers[headerUserAgent] = b.userAgent
	headers[headerRequestID] = id

	// Forced empty so the server never varies content by locale.
	headers[headerAcceptLanguage] = ""

	if useToken && b.account != nil {
		if token, _, ok := b.account.CurrentToken(); ok && !b.account.IsTokenExpired() {
			headers[headerAuthorization] = "Bearer " + token
			headers[headerContentType] = contentTypeJSON
		}
	}

	return headers
}
