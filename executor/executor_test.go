package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-shelf/config"
	"github.com/gaborage/go-shelf/logger"
)

const testToken = "fresh-token"

// testAccount is a thread-safe Account stub.
type testAccount struct {
	mu       sync.Mutex
	token    string
	expiry   time.Time
	username string
	password string
	basic    *Credential
}

func (a *testAccount) CurrentToken() (string, time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == "" {
		return "", time.Time{}, false
	}
	return a.token, a.expiry, true
}

func (a *testAccount) IsTokenExpired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token == "" || time.Now().After(a.expiry)
}

func (a *testAccount) Username() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.username, a.username != ""
}

func (a *testAccount) Password() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.password, a.password != ""
}

func (a *testAccount) SetToken(token string, expiry time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
	a.expiry = expiry
}

func (a *testAccount) RespondChallenge(Challenge) (Credential, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.basic == nil {
		return Credential{}, false
	}
	return *a.basic, true
}

func testLogger() logger.Logger {
	return logger.NewWithWriter("error", false, io.Discard)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	// A tiny backoff cap keeps retry tests fast.
	cfg, err := config.LoadBytes([]byte("retry:\n  maxdelay: 5ms\n"))
	require.NoError(t, err)
	return cfg
}

// tokenEndpoint serves the token-exchange route and counts calls.
type tokenEndpoint struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (te *tokenEndpoint) handler() nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		te.calls.Add(1)
		if te.fail.Load() {
			w.WriteHeader(nethttp.StatusBadRequest)
			return
		}
		hasCreds := r.FormValue("username") != "" && r.FormValue("password") != ""
		if !hasCreds {
			w.WriteHeader(nethttp.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken": testToken,
			"expiresAt":   time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}
}

// newAuthedServer serves /token plus an API route that answers 200 only for
// the fresh token and 401 otherwise.
func newAuthedServer(t *testing.T, te *tokenEndpoint, body string) *httptest.Server {
	t.Helper()
	mux := nethttp.NewServeMux()
	mux.HandleFunc("/token", te.handler())
	mux.HandleFunc("/", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(nethttp.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, body)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newExecutor(t *testing.T, account Account, tokenURL string, opts ...Option) *Executor {
	t.Helper()
	opts = append([]Option{WithTokenURL(tokenURL)}, opts...)
	e, err := New(testConfig(t), account, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(e.Invalidate)
	return e
}

func TestSimpleGetWithValidToken(t *testing.T) {
	te := &tokenEndpoint{}
	server := newAuthedServer(t, te, "shelf contents")

	account := &testAccount{
		token:    testToken,
		expiry:   time.Now().Add(time.Hour),
		username: "reader",
		password: "secret",
	}
	e := newExecutor(t, account, server.URL+"/token")

	result, err := e.GetContext(context.Background(), server.URL+"/book/42", true)
	require.NoError(t, err)

	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "shelf contents", string(result.Body))
	assert.Equal(t, int64(0), te.calls.Load(), "no refresh call should be made")
}

func TestExpiredTokenAutoRecovery(t *testing.T) {
	te := &tokenEndpoint{}
	server := newAuthedServer(t, te, "the book bytes")

	account := &testAccount{
		token:    "stale-token",
		expiry:   time.Now().Add(-time.Hour),
		username: "reader",
		password: "secret",
	}
	e := newExecutor(t, account, server.URL+"/token")

	var completions atomic.Int64
	result, err := e.GetContext(context.Background(), server.URL+"/book/42", true)
	completions.Add(1)
	require.NoError(t, err)

	assert.Equal(t, "the book bytes", string(result.Body))
	assert.Equal(t, int64(1), te.calls.Load(), "exactly one refresh call")
	assert.Equal(t, int64(1), completions.Load())

	tok, _, ok := account.CurrentToken()
	require.True(t, ok)
	assert.Equal(t, testToken, tok, "fresh token written back to the account")
}

func TestRefreshFailureIsTerminal(t *testing.T) {
	te := &tokenEndpoint{}
	te.fail.Store(true)
	server := newAuthedServer(t, te, "never seen")

	account := &testAccount{username: "reader", password: "secret"}
	e := newExecutor(t, account, server.URL+"/token")

	result, err := e.GetContext(context.Background(), server.URL+"/book/42", true)
	require.Error(t, err)

	assert.Nil(t, result)
	assert.True(t, IsErrorType(err, UnauthorizedError), "got %v", err)
	assert.Equal(t, int64(1), te.calls.Load())
}

func TestMissingCredentialsFailFast(t *testing.T) {
	te := &tokenEndpoint{}
	server := newAuthedServer(t, te, "never seen")

	account := &testAccount{} // no username/password
	e := newExecutor(t, account, server.URL+"/token")

	_, err := e.GetContext(context.Background(), server.URL+"/book/42", true)
	require.Error(t, err)

	assert.True(t, IsErrorType(err, UnauthorizedError))
	assert.Equal(t, int64(0), te.calls.Load(), "no exchange call without credentials")
}

func TestConcurrentRequestsShareOneRefresh(t *testing.T) {
	var tokenCalls atomic.Int64
	release := make(chan struct{})
	var releaseOnce sync.Once
	releaseToken := func() { releaseOnce.Do(func() { close(release) }) }

	mux := nethttp.NewServeMux()
	mux.HandleFunc("/token", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		tokenCalls.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken": testToken,
			"expiresAt":   time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(nethttp.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "shared bytes")
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(releaseToken)

	account := &testAccount{username: "reader", password: "secret"}
	e := newExecutor(t, account, server.URL+"/token")

	const n = 8
	var wg sync.WaitGroup
	var completions atomic.Int64
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := e.GetContext(context.Background(), fmt.Sprintf("%s/book/%d", server.URL, i), true)
			completions.Add(1)
			errs[i] = err
			if err == nil && string(result.Body) != "shared bytes" {
				errs[i] = fmt.Errorf("unexpected body %q", result.Body)
			}
		}(i)
	}

	// The stalled exchange holds the refresh open until every 401 has been
	// classified and parked behind it.
	require.Eventually(t, func() bool {
		return e.coord.waiting() == n
	}, 5*time.Second, 5*time.Millisecond, "all requests queue behind the refresh")
	releaseToken()
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
	assert.Equal(t, int64(n), completions.Load(), "every completion fires exactly once")
	assert.Equal(t, int64(1), tokenCalls.Load(), "one token exchange for all of them")
}

func TestPersistent401CapsRefreshCycles(t *testing.T) {
	te := &tokenEndpoint{}
	mux := nethttp.NewServeMux()
	mux.HandleFunc("/token", te.handler())
	var apiHits atomic.Int64
	// The API rejects even freshly exchanged tokens.
	mux.HandleFunc("/", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		apiHits.Add(1)
		w.WriteHeader(nethttp.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	account := &testAccount{username: "reader", password: "secret"}
	e := newExecutor(t, account, server.URL+"/token")

	errs := make([]error, 5)
	for i := range errs {
		_, errs[i] = e.GetContext(context.Background(), fmt.Sprintf("%s/book/%d", server.URL, i), true)
		require.Error(t, errs[i], "request %d", i)
	}

	// Two back-to-back refresh cycles exhaust the ceiling; later requests
	// fail on their 401 without touching the token endpoint again.
	assert.Equal(t, int64(2), te.calls.Load(), "refresh cycles are capped")
	assert.Equal(t, int64(7), apiHits.Load(), "two requests retried once, three failed outright")
	assert.True(t, IsErrorType(errs[0], UnauthorizedError), "got %v", errs[0])
	assert.True(t, IsErrorType(errs[4], HTTPError), "got %v", errs[4])
}

func TestCancelRefreshWaiter(t *testing.T) {
	var tokenCalls atomic.Int64
	release := make(chan struct{})
	var releaseOnce sync.Once
	releaseToken := func() { releaseOnce.Do(func() { close(release) }) }

	mux := nethttp.NewServeMux()
	mux.HandleFunc("/token", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		tokenCalls.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken": testToken,
			"expiresAt":   time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})
	var apiHits atomic.Int64
	mux.HandleFunc("/", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		apiHits.Add(1)
		w.WriteHeader(nethttp.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(releaseToken)

	account := &testAccount{username: "reader", password: "secret"}
	e := newExecutor(t, account, server.URL+"/token")

	outcome := make(chan error, 1)
	handle, err := e.Get(server.URL+"/book/42", true, func(_ *Result, err error) {
		outcome <- err
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.coord.waiting() == 1
	}, 5*time.Second, 5*time.Millisecond, "request parks behind the stalled refresh")

	handle.Cancel()

	// The cancellation resolves right away, while the refresh is still
	// blocked on the token endpoint.
	select {
	case err := <-outcome:
		assert.True(t, IsErrorType(err, CancelledError), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("completion never fired for the cancelled waiter")
	}
	assert.Equal(t, int64(1), tokenCalls.Load(), "refresh keeps running")
	assert.Equal(t, int64(1), apiHits.Load(), "the cancelled request is never replayed")

	releaseToken()
	assert.Eventually(t, func() bool {
		return e.coord.waiting() == 0 && e.registry.len() == 0
	}, time.Second, 5*time.Millisecond, "the finished refresh has nothing to replay")
}

func TestInvalidateReleasesBlockedContextCallers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		close(started)
		<-release
		w.WriteHeader(nethttp.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	e, err := New(testConfig(t), &testAccount{}, testLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.GetContext(context.Background(), server.URL, false)
		done <- err
	}()

	<-started
	e.Invalidate()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsErrorType(err, CancelledError), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked caller never released after invalidation")
	}
}

func TestAlways401ServerDoesNotLoop(t *testing.T) {
	te := &tokenEndpoint{}
	// The API answers 401 no matter which token is presented.
	mux := nethttp.NewServeMux()
	mux.HandleFunc("/token", te.handler())
	var apiHits atomic.Int64
	mux.HandleFunc("/", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		apiHits.Add(1)
		w.WriteHeader(nethttp.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	account := &testAccount{username: "reader", password: "secret"}
	e := newExecutor(t, account, server.URL+"/token")

	_, err := e.GetContext(context.Background(), server.URL+"/book/42", true)
	require.Error(t, err)

	assert.True(t, IsErrorType(err, UnauthorizedError), "got %v", err)
	assert.Equal(t, int64(2), apiHits.Load(), "original request plus exactly one retry")
	assert.Equal(t, int64(1), te.calls.Load())
}

func TestDoContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		<-release
		w.WriteHeader(nethttp.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	e := newExecutor(t, &testAccount{}, "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := e.GetContext(ctx, server.URL, false)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, CancelledError), "got %v", err)
}

func TestUnauthenticatedGet(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, "public feed")
	}))
	t.Cleanup(server.Close)

	e := newExecutor(t, &testAccount{}, "")

	result, err := e.GetContext(context.Background(), server.URL, false)
	require.NoError(t, err)
	assert.Equal(t, "public feed", string(result.Body))
}

func TestPutAndDeleteVerbs(t *testing.T) {
	var method atomic.Value
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		method.Store(r.Method)
		w.WriteHeader(nethttp.StatusOK)
	}))
	t.Cleanup(server.Close)

	e := newExecutor(t, &testAccount{}, "")

	_, err := e.PutContext(context.Background(), server.URL, false, WithBody([]byte(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, nethttp.MethodPut, method.Load())

	_, err = e.DeleteContext(context.Background(), server.URL, false)
	require.NoError(t, err)
	assert.Equal(t, nethttp.MethodDelete, method.Load())
}

func TestBasicAuthChallengeDelegation(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="library"`)
			w.WriteHeader(nethttp.StatusUnauthorized)
			return
		}
		assert.Equal(t, "reader", user)
		assert.Equal(t, "secret", pass)
		fmt.Fprint(w, "authorized")
	}))
	t.Cleanup(server.Close)

	account := &testAccount{basic: &Credential{Username: "reader", Password: "secret"}}
	// No token URL: the account uses basic auth only.
	e := newExecutor(t, account, "")

	result, err := e.GetContext(context.Background(), server.URL, false)
	require.NoError(t, err)
	assert.Equal(t, "authorized", string(result.Body))
}

func TestDeclinedChallengeIsCancellation(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="library"`)
			w.WriteHeader(nethttp.StatusUnauthorized)
			return
		}
		w.WriteHeader(nethttp.StatusOK)
	}))
	t.Cleanup(server.Close)

	e := newExecutor(t, &testAccount{}, "") // no basic credential: challenge declined

	_, err := e.GetContext(context.Background(), server.URL, false)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, CancelledError), "got %v", err)
}

func TestInvalidateAbandonsPendingTasks(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		close(started)
		<-release
		w.WriteHeader(nethttp.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	e, err := New(testConfig(t), &testAccount{}, testLogger())
	require.NoError(t, err)

	_, err = e.Get(server.URL, false, func(*Result, error) {})
	require.NoError(t, err)

	<-started
	e.Invalidate()

	assert.Eventually(t, func() bool {
		return e.registry.len() == 0
	}, time.Second, 10*time.Millisecond, "registry cleared on invalidation")

	// No new task can start on the invalidated session.
	_, err = e.Get(server.URL, false, func(*Result, error) {})
	assert.Error(t, err)
}

func TestCompletionRunsOutsideLocks(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(server.Close)

	e := newExecutor(t, &testAccount{}, "")

	// A completion that issues a follow-up request must not deadlock.
	done := make(chan error, 1)
	_, err := e.Get(server.URL, false, func(*Result, error) {
		_, nested := e.Get(server.URL, false, func(*Result, error) {
			done <- nil
		})
		if nested != nil {
			done <- nested
		}
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("nested request never completed")
	}
}

func TestCancelViaHandle(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		<-release
		w.WriteHeader(nethttp.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	e := newExecutor(t, &testAccount{}, "")

	outcome := make(chan error, 1)
	handle, err := e.Get(server.URL, false, func(_ *Result, err error) {
		outcome <- err
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	handle.Cancel()

	select {
	case err := <-outcome:
		assert.True(t, IsErrorType(err, CancelledError), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("completion never fired after cancel")
	}
}
