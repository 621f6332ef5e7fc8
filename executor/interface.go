package executor

import (
	nethttp "net/http"
	"time"
)

// Account is the credentials collaborator. The executor only reads it,
// except for SetToken on the refresh-success path. Implementations must be
// safe for concurrent use; the executor follows a single-writer policy for
// the token field.
type Account interface {
	// CurrentToken returns the bearer token and its expiry, if one is set.
	CurrentToken() (token string, expiry time.Time, ok bool)
	// IsTokenExpired reports whether the current token is past its expiry.
	IsTokenExpired() bool
	// Username returns the stored username, if any.
	Username() (string, bool)
	// Password returns the stored password, if any.
	Password() (string, bool)
	// SetToken stores a freshly obtained token and its expiry.
	SetToken(token string, expiry time.Time)
	// RespondChallenge answers a basic-auth challenge from the server.
	// Returning ok == false declines the challenge.
	RespondChallenge(challenge Challenge) (Credential, bool)
}

// Challenge describes a basic-auth challenge received from the server.
type Challenge struct {
	Host  string
	Realm string
}

// Credential answers a Challenge.
type Credential struct {
	Username string
	Password string
}

// CachePolicy controls how the transport may use cached responses. It is
// forwarded opaquely to the transport.
type CachePolicy int

const (
	// CacheUseProtocolPolicy lets the HTTP caching headers decide.
	CacheUseProtocolPolicy CachePolicy = iota
	// CacheReloadIgnoringCache forces revalidation at the origin.
	CacheReloadIgnoringCache
)

// Result is a successful exchange: the server's bytes plus response metadata.
type Result struct {
	StatusCode int
	Headers    nethttp.Header
	Body       []byte
	Elapsed    time.Duration
}

// Completion receives the outcome of a request exactly once. Exactly one of
// result and err is non-nil. Completions run outside the executor's locks,
// so issuing further requests from one is safe.
type Completion func(result *Result, err error)
