package executor

import (
	"context"
	"fmt"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/gaborage/go-shelf/config"
	"github.com/gaborage/go-shelf/logger"
)

// Executor issues authenticated HTTP requests against a library-content API,
// transparently refreshing expired bearer tokens and retrying requests that
// failed solely because of token expiry. Construct one per process at
// startup and hand it to collaborators; tests construct their own with stub
// transports so no state bleeds between them.
type Executor struct {
	account    Account
	log        logger.Logger
	transport  Transport
	registry   *taskRegistry
	builder    *requestBuilder
	classifier *responseClassifier
	coord      *refreshCoordinator

	maxRetryDelay   time.Duration
	defaultAttempts int

	// closed releases blocking *Context callers whose completions were
	// abandoned by Invalidate.
	closed    chan struct{}
	closeOnce sync.Once
}

// TransportFactory builds the Transport an Executor drives. The events
// receiver is the executor itself; the factory exists so tests can inject a
// scripted transport.
type TransportFactory func(events TransportEvents, log logger.Logger) Transport

// Option customizes an Executor at construction.
type Option func(*options)

type options struct {
	transport TransportFactory
	tokenURL  string
	userAgent string
	timeout   time.Duration
}

// WithTransport substitutes the transport implementation.
func WithTransport(factory TransportFactory) Option {
	return func(o *options) {
		o.transport = factory
	}
}

// WithTokenURL overrides the configured token-exchange endpoint.
func WithTokenURL(url string) Option {
	return func(o *options) {
		o.tokenURL = url
	}
}

// WithUserAgent overrides the configured user agent.
func WithUserAgent(ua string) Option {
	return func(o *options) {
		o.userAgent = ua
	}
}

// WithTimeout overrides the configured default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// New creates an Executor. A nil cfg uses the library defaults; account may
// be nil for a purely unauthenticated executor.
func New(cfg *config.Config, account Account, log logger.Logger, opts ...Option) (*Executor, error) {
	if cfg == nil {
		var err error
		cfg, err = config.LoadBytes(nil)
		if err != nil {
			return nil, fmt.Errorf("loading default configuration: %w", err)
		}
	}

	o := options{
		tokenURL:  cfg.Auth.TokenURL,
		userAgent: cfg.Client.UserAgent,
		timeout:   cfg.Client.Timeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Executor{
		account:  account,
		log:      log,
		registry: newTaskRegistry(),
		builder: &requestBuilder{
			account:        account,
			userAgent:      o.userAgent,
			defaultTimeout: o.timeout,
		},
		maxRetryDelay:   cfg.Retry.MaxDelay,
		defaultAttempts: cfg.Retry.MaxAttempts,
		closed:          make(chan struct{}),
	}

	tokenAuth := func() bool {
		return o.tokenURL != "" && account != nil
	}
	e.classifier = newResponseClassifier(tokenAuth, log)

	e.coord = &refreshCoordinator{
		account:  account,
		tokenURL: o.tokenURL,
		client:   &nethttp.Client{},
		timeout:  cfg.Auth.RefreshTimeout,
		log:      log,
		resume:   e.resumeWaiter,
		fail:     e.failWaiter,

		cycleStarted: e.classifier.refreshCycleStarted,
	}

	if o.transport != nil {
		e.transport = o.transport(e, log)
	} else {
		e.transport = newNetTransport(e, log)
	}

	return e, nil
}

// TaskHandle lets the caller cancel its request. The handle tracks the task
// across the identifier change a refresh-retry causes.
type TaskHandle struct {
	exec *Executor
	task *pendingTask
}

// Cancel aborts the request. If it is queued as a refresh waiter it is
// removed from the queue and its completion fires immediately with a
// cancellation; the refresh itself keeps running for other waiters. If the
// request already completed, Cancel is a no-op.
func (h *TaskHandle) Cancel() {
	e := h.exec
	if e.coord.remove(h.task) {
		id, _ := e.registry.currentID(h.task)
		if task, ok := e.registry.take(id); ok {
			task.completion(nil, NewCancelledError(nil))
		}
		return
	}
	id, _ := e.registry.currentID(h.task)
	e.transport.Cancel(id)
}

// Get issues a GET request. The completion fires exactly once.
func (e *Executor) Get(url string, useToken bool, completion Completion, opts ...RequestOption) (*TaskHandle, error) {
	return e.Do(nethttp.MethodGet, url, useToken, completion, opts...)
}

// Put issues a PUT request.
func (e *Executor) Put(url string, useToken bool, completion Completion, opts ...RequestOption) (*TaskHandle, error) {
	return e.Do(nethttp.MethodPut, url, useToken, completion, opts...)
}

// Post issues a POST request.
func (e *Executor) Post(url string, useToken bool, completion Completion, opts ...RequestOption) (*TaskHandle, error) {
	return e.Do(nethttp.MethodPost, url, useToken, completion, opts...)
}

// Delete issues a DELETE request.
func (e *Executor) Delete(url string, useToken bool, completion Completion, opts ...RequestOption) (*TaskHandle, error) {
	return e.Do(nethttp.MethodDelete, url, useToken, completion, opts...)
}

// Do issues a request with the given method. An error return means the task
// never started and the completion will not fire; otherwise the completion
// fires exactly once.
func (e *Executor) Do(method, url string, useToken bool, completion Completion, opts ...RequestOption) (*TaskHandle, error) {
	if completion == nil {
		return nil, fmt.Errorf("completion must not be nil")
	}

	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	req := e.builder.build(method, url, useToken, o)
	return e.issue(req, completion)
}

func (e *Executor) issue(req Request, completion Completion) (*TaskHandle, error) {
	task := &pendingTask{req: req, completion: completion, start: time.Now()}

	e.log.Debug().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Str("url", req.URL).
		Msg("issuing request")

	_, err := e.transport.Start(req, func(id TaskID) {
		e.registry.insert(id, task)
	})
	if err != nil {
		return nil, NewTransportError(err)
	}
	return &TaskHandle{exec: e, task: task}, nil
}

// GetContext is Get bridged to a blocking call: it suspends until the
// completion fires or ctx is done. Context cancellation cancels the
// underlying task and reports ctx's error.
func (e *Executor) GetContext(ctx context.Context, url string, useToken bool, opts ...RequestOption) (*Result, error) {
	return e.DoContext(ctx, nethttp.MethodGet, url, useToken, opts...)
}

// PutContext is the blocking variant of Put.
func (e *Executor) PutContext(ctx context.Context, url string, useToken bool, opts ...RequestOption) (*Result, error) {
	return e.DoContext(ctx, nethttp.MethodPut, url, useToken, opts...)
}

// PostContext is the blocking variant of Post.
func (e *Executor) PostContext(ctx context.Context, url string, useToken bool, opts ...RequestOption) (*Result, error) {
	return e.DoContext(ctx, nethttp.MethodPost, url, useToken, opts...)
}

// DeleteContext is the blocking variant of Delete.
func (e *Executor) DeleteContext(ctx context.Context, url string, useToken bool, opts ...RequestOption) (*Result, error) {
	return e.DoContext(ctx, nethttp.MethodDelete, url, useToken, opts...)
}

// completed carries one completion through a *Context bridge channel.
type completed struct {
	result *Result
	err    error
}

// DoContext is the blocking variant of Do.
func (e *Executor) DoContext(ctx context.Context, method, url string, useToken bool, opts ...RequestOption) (*Result, error) {
	ch := make(chan completed, 1)

	handle, err := e.Do(method, url, useToken, func(result *Result, err error) {
		ch <- completed{result: result, err: err}
	}, opts...)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		return out.result, out.err
	case <-e.closed:
		return e.drainOrInvalidated(ch)
	case <-ctx.Done():
		handle.Cancel()
		// The completion still fires exactly once; wait for it so the task
		// is fully torn down before reporting the context error. Unless the
		// session was invalidated meanwhile, in which case the completion
		// was abandoned and will never arrive.
		select {
		case out := <-ch:
			if out.err != nil && IsErrorType(out.err, CancelledError) {
				return nil, NewCancelledError(ctx.Err())
			}
			return out.result, out.err
		case <-e.closed:
			return e.drainOrInvalidated(ch)
		}
	}
}

// drainOrInvalidated resolves a *Context bridge after session invalidation.
// A completion that already fired still wins; otherwise it was abandoned and
// the caller gets a cancellation instead of blocking forever.
func (e *Executor) drainOrInvalidated(ch chan completed) (*Result, error) {
	select {
	case out := <-ch:
		return out.result, out.err
	default:
		return nil, NewCancelledError(errTransportClosed)
	}
}

// PauseAllTasks suspends every registered task's transfer; the surrounding
// app calls this when it is backgrounded.
func (e *Executor) PauseAllTasks() {
	for _, id := range e.registry.ids() {
		e.transport.Pause(id)
	}
}

// ResumeAllTasks resumes transfers suspended by PauseAllTasks.
func (e *Executor) ResumeAllTasks() {
	for _, id := range e.registry.ids() {
		e.transport.Resume(id)
	}
}

// Invalidate tears down the transport session. Every pending completion is
// abandoned without being invoked; this is a documented non-invocation case,
// reported through the log only. Blocking callers parked in a *Context
// bridge are released with a cancellation.
func (e *Executor) Invalidate() {
	e.closeOnce.Do(func() { close(e.closed) })
	e.transport.Close()
	dropped := e.coord.clearWaiters()
	abandoned := e.registry.clear()
	if len(abandoned) > 0 || dropped > 0 {
		e.log.Warn().
			Int("abandoned_tasks", len(abandoned)).
			Int("dropped_waiters", dropped).
			Msg("session invalidated, pending completions abandoned")
	}
}

// TaskData accumulates a received chunk. Part of the TransportEvents
// contract; not for direct use.
func (e *Executor) TaskData(id TaskID, chunk []byte) {
	if !e.registry.appendData(id, chunk) {
		e.log.Debug().Int64("task_id", int64(id)).Msg("data for unknown task dropped")
	}
}

// TaskChallenge answers a basic-auth challenge by delegating to the account.
// Part of the TransportEvents contract; not for direct use.
func (e *Executor) TaskChallenge(id TaskID, challenge Challenge) (Credential, bool) {
	if e.account == nil {
		return Credential{}, false
	}
	return e.account.RespondChallenge(challenge)
}

// TaskCompleted classifies a finished exchange and resolves its pending
// task. Part of the TransportEvents contract; not for direct use.
func (e *Executor) TaskCompleted(id TaskID, resp *nethttp.Response, terr error) {
	task, ok := e.registry.take(id)
	if !ok {
		// No completion callback exists to invoke. This happens after
		// session invalidation races and is diagnostic-only.
		e.log.Warn().
			Int64("task_id", int64(id)).
			Msg("completion for unregistered task, nothing to resolve")
		return
	}

	elapsed := time.Since(task.start)
	out := e.classifier.classify(task.req, task.buf.Bytes(), resp, terr, elapsed)

	switch out.kind {
	case outcomeNeedsRefresh:
		e.routeToRefresh(id, task)
	case outcomeSuccess:
		e.log.Debug().
			Str("request_id", task.req.ID).
			Int("status", out.result.StatusCode).
			Dur("elapsed", elapsed).
			Msg("request succeeded")
		task.completion(out.result, nil)
	default:
		e.log.Debug().
			Str("request_id", task.req.ID).
			Err(out.err).
			Dur("elapsed", elapsed).
			Msg("request failed")
		task.completion(nil, out.err)
	}
}

// routeToRefresh parks task for a token refresh, or fails it right away if
// it already consumed its single retry. The one-way hasRetried transition is
// what bounds the refresh loop even under races.
func (e *Executor) routeToRefresh(id TaskID, task *pendingTask) {
	if task.req.HasRetried() {
		task.completion(nil, NewUnauthorizedError("still unauthorized after token refresh", nil))
		return
	}
	e.registry.reinsertAwaitingRefresh(id, task)
	e.coord.enqueue(refreshWaiter{task: task, oldID: id})
}

// resumeWaiter replays a parked request after a successful refresh. The
// retried request is rebuilt against the fresh token and the pending task is
// re-keyed to the new transport identifier before any of its events can
// arrive.
func (e *Executor) resumeWaiter(w refreshWaiter) {
	retried := e.builder.rebuildForRetry(w.task.req)
	w.task.req = retried

	start := time.Now()
	_, err := e.transport.Start(retried, func(newID TaskID) {
		if !e.registry.rekey(w.oldID, newID, start) {
			// The completion was claimed while the refresh ran (cancel or
			// invalidation); the new exchange has no owner and its events
			// will be dropped as unregistered.
			e.log.Debug().
				Str("request_id", retried.ID).
				Msg("retried task has no pending completion, dropping")
		}
	})
	if err != nil {
		if task, ok := e.registry.take(w.oldID); ok {
			task.completion(nil, NewCancelledError(err))
		}
	}
}

// failWaiter resolves a parked request with a terminal error after a failed
// refresh. The registry take keeps completion delivery exactly-once even if
// the waiter was cancelled or invalidated meanwhile.
func (e *Executor) failWaiter(w refreshWaiter, err error) {
	if task, ok := e.registry.take(w.oldID); ok {
		task.completion(nil, err)
	}
}
