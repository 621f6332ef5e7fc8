package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/gaborage/go-shelf/logger"
)

// TaskID is the opaque identifier the transport assigns to one in-flight
// task. It correlates low-level events with caller-facing completions.
type TaskID int64

// TransportEvents receives the low-level callbacks of a transport task:
// response bytes as they arrive, an authentication challenge at most once,
// and exactly one completion.
type TransportEvents interface {
	TaskData(id TaskID, chunk []byte)
	TaskChallenge(id TaskID, challenge Challenge) (Credential, bool)
	TaskCompleted(id TaskID, resp *nethttp.Response, err error)
}

// Transport owns the underlying HTTP session and issues tasks against it.
// Start invokes register with the assigned id before any event for that id
// can be delivered, so the receiver can set up its bookkeeping race-free.
type Transport interface {
	Start(req Request, register func(TaskID)) (TaskID, error)
	Cancel(id TaskID)
	Pause(id TaskID)
	Resume(id TaskID)
	Close()
}

var (
	errChallengeDeclined = errors.New("authentication challenge declined")
	errTransportClosed   = errors.New("transport session invalidated")
)

// netTransport is the production Transport over net/http. One shared client
// provides the connection pool; each task runs on its own goroutine with its
// own context, streaming the response body through TaskData events.
type netTransport struct {
	client *nethttp.Client
	events TransportEvents
	log    logger.Logger

	mu     sync.Mutex
	nextID TaskID
	active map[TaskID]*netTask
	closed bool
}

type netTask struct {
	cancel context.CancelFunc
	gate   *pauseGate
}

func newNetTransport(events TransportEvents, log logger.Logger) *netTransport {
	return &netTransport{
		client: &nethttp.Client{},
		events: events,
		log:    log,
		active: make(map[TaskID]*netTask),
	}
}

func (t *netTransport) Start(req Request, register func(TaskID)) (TaskID, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, errTransportClosed
	}
	t.nextID++
	id := t.nextID

	ctx := context.Background()
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	task := &netTask{cancel: cancel, gate: newPauseGate()}
	t.active[id] = task
	t.mu.Unlock()

	if register != nil {
		register(id)
	}

	go t.run(ctx, id, req, task.gate)
	return id, nil
}

func (t *netTransport) Cancel(id TaskID) {
	t.mu.Lock()
	task, ok := t.active[id]
	t.mu.Unlock()
	if ok {
		task.cancel()
	}
}

func (t *netTransport) Pause(id TaskID) {
	t.mu.Lock()
	task, ok := t.active[id]
	t.mu.Unlock()
	if ok {
		task.gate.pause()
	}
}

func (t *netTransport) Resume(id TaskID) {
	t.mu.Lock()
	task, ok := t.active[id]
	t.mu.Unlock()
	if ok {
		task.gate.resume()
	}
}

// Close invalidates the session: every active task is cancelled and no new
// task can start. In-flight completions deliver a cancellation.
func (t *netTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	tasks := t.active
	t.active = make(map[TaskID]*netTask)
	t.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	t.client.CloseIdleConnections()
}

func (t *netTransport) run(ctx context.Context, id TaskID, req Request, gate *pauseGate) {
	defer t.finish(id)

	resp, err := t.exchange(ctx, id, req)
	if err != nil {
		t.events.TaskCompleted(id, resp, err)
		return
	}

	defer resp.Body.Close()
	buf := make([]byte, 32*1024)
	for {
		if err := gate.wait(ctx); err != nil {
			t.events.TaskCompleted(id, resp, err)
			return
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			t.events.TaskData(id, chunk)
		}
		if rerr == io.EOF {
			t.events.TaskCompleted(id, resp, nil)
			return
		}
		if rerr != nil {
			t.events.TaskCompleted(id, resp, rerr)
			return
		}
	}
}

// exchange performs the HTTP call, answering a basic-auth challenge at most
// once by delegating credential resolution through TaskChallenge.
func (t *netTransport) exchange(ctx context.Context, id TaskID, req Request) (*nethttp.Response, error) {
	httpReq, err := t.buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	realm, challenged := parseBasicChallenge(resp.Header.Get("WWW-Authenticate"))
	if resp.StatusCode != nethttp.StatusUnauthorized || !challenged {
		return resp, nil
	}

	cred, ok := t.events.TaskChallenge(id, Challenge{Host: httpReq.URL.Host, Realm: realm})
	drainBody(resp)
	if !ok {
		return nil, errChallengeDeclined
	}

	httpReq, err = t.buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(cred.Username, cred.Password)
	return t.client.Do(httpReq)
}

func (t *netTransport) buildHTTPRequest(ctx context.Context, req Request) (*nethttp.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := nethttp.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	if req.CachePolicy == CacheReloadIgnoringCache {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}

	return httpReq, nil
}

func (t *netTransport) finish(id TaskID) {
	t.mu.Lock()
	delete(t.active, id)
	t.mu.Unlock()
}

// parseBasicChallenge extracts the realm from a Basic WWW-Authenticate
// header. Returns ok == false for non-Basic or absent challenges.
func parseBasicChallenge(header string) (realm string, ok bool) {
	if header == "" {
		return "", false
	}
	scheme, params, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "Basic") {
		return "", false
	}
	for _, part := range strings.Split(params, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if found && strings.EqualFold(strings.TrimSpace(key), "realm") {
			return strings.Trim(strings.TrimSpace(value), `"`), true
		}
	}
	return "", true
}

func drainBody(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}

// pauseGate suspends a task's body reads between chunks. The zero state is
// running; pause swaps in an open channel that resume closes.
type pauseGate struct {
	mu      sync.Mutex
	resumed chan struct{}
}

func newPauseGate() *pauseGate {
	ch := make(chan struct{})
	close(ch)
	return &pauseGate{resumed: ch}
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.resumed:
		g.resumed = make(chan struct{})
	default:
		// already paused
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.resumed:
		// already running
	default:
		close(g.resumed)
	}
}

// wait blocks while the gate is paused. Cancellation wins over resume.
func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.resumed
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
