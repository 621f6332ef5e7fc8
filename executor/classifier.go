package executor

import (
	"context"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gaborage/go-shelf/logger"
	"github.com/gaborage/go-shelf/problem"
)

// authRetryCeiling bounds how many refresh cycles may run without an
// intervening success. The counter is per-classifier, not per-request:
// waiters joining an in-flight refresh share one cycle, so concurrent 401s
// stay eligible, while a server that keeps answering 401 even after a fresh
// token stops triggering refreshes once two cycles have run back to back.
// Only a successful classification resets it; a refresh that exchanged a
// token but did not lead to a 2xx proves nothing about the session.
const authRetryCeiling = 2

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeFailure
	outcomeNeedsRefresh
)

// outcome is the classified result of one completed exchange. For
// outcomeNeedsRefresh neither result nor err is set; the request routes to
// the refresh coordinator instead of completing.
type outcome struct {
	kind   outcomeKind
	result *Result
	err    error
}

// responseClassifier turns a completed transport exchange into an outcome:
// success, a typed failure, or the needs-refresh signal.
type responseClassifier struct {
	tokenAuth   func() bool
	log         logger.Logger
	authRetries atomic.Int32
}

func newResponseClassifier(tokenAuth func() bool, log logger.Logger) *responseClassifier {
	return &responseClassifier{tokenAuth: tokenAuth, log: log}
}

// refreshCycleStarted counts a new refresh cycle against the ceiling. The
// refresh coordinator calls it when it transitions from idle to refreshing.
func (c *responseClassifier) refreshCycleStarted() {
	c.authRetries.Add(1)
}

// classify maps a finished exchange to an outcome. body is the accumulated
// response payload; resp and terr come from the transport completion.
func (c *responseClassifier) classify(req Request, body []byte, resp *nethttp.Response, terr error, elapsed time.Duration) outcome {
	// A transport error with no usable response, or with a response that is
	// not itself a failure, classifies directly from the error. When the
	// response carries an unsuccessful status code the status outranks the
	// raw error.
	if terr != nil && (resp == nil || IsSuccessStatus(resp.StatusCode)) {
		return outcome{kind: outcomeFailure, err: classifyTransportError(terr)}
	}

	// An eligible 401 routes to the refresh path before any terminal
	// classification, including the problem-document upgrade: an expired
	// token is recoverable no matter how the server phrased the response.
	if resp.StatusCode == nethttp.StatusUnauthorized && c.tokenAuth() {
		if c.authRetries.Load() < authRetryCeiling {
			return outcome{kind: outcomeNeedsRefresh}
		}
		c.log.Warn().
			Str("request_id", req.ID).
			Str("url", req.URL).
			Msg("401 retry ceiling reached, not refreshing again")
	}

	// A body that declares itself a problem document upgrades the outcome
	// regardless of the numeric status bucket. A parse failure degrades to
	// the original signal instead of masking it with a parse error.
	if doc := c.parseProblem(req, resp, body); doc != nil {
		return outcome{kind: outcomeFailure, err: NewProblemError(doc, resp.StatusCode)}
	}

	if terr == nil && IsSuccessStatus(resp.StatusCode) {
		c.authRetries.Store(0)
		return outcome{
			kind: outcomeSuccess,
			result: &Result{
				StatusCode: resp.StatusCode,
				Headers:    resp.Header,
				Body:       body,
				Elapsed:    elapsed,
			},
		}
	}

	return outcome{kind: outcomeFailure, err: NewHTTPError(resp.StatusCode, resp.Header, body)}
}

// parseProblem returns the problem document carried by the response, or nil.
// Parse failures are logged at warning level for observability and the
// original error signal is preserved.
func (c *responseClassifier) parseProblem(req Request, resp *nethttp.Response, body []byte) *problem.Document {
	if resp == nil || !problem.IsProblemContentType(resp.Header.Get(headerContentType)) {
		return nil
	}
	doc, err := problem.Parse(body)
	if err != nil {
		c.log.Warn().
			Err(err).
			Str("request_id", req.ID).
			Str("content_type", resp.Header.Get(headerContentType)).
			Msg("response declared a problem document but it did not parse")
		return nil
	}
	return doc
}

// classifyTransportError maps a low-level error to the taxonomy: user
// interruption, a recognized transient kind, or the raw transport error.
func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, errChallengeDeclined):
		return NewCancelledError(err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewTransientError(TransientTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransientError(TransientTimeout, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewTransientError(TransientOffline, err)
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ENETDOWN),
		errors.Is(err, syscall.EHOSTUNREACH):
		return NewTransientError(TransientOffline, err)
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return NewTransientError(TransientConnectionLost, err)
	}

	return NewTransportError(err)
}
