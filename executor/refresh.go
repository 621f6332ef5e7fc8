package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gaborage/go-shelf/logger"
)

// defaultTokenLifetime applies when the token endpoint omits the expiry.
const defaultTokenLifetime = 25 * time.Minute

// refreshWaiter is a request parked while a token refresh resolves. The
// pending task stays registered under oldID so invalidation clears it like
// any other; the waiter is replayed or failed when the refresh finishes.
type refreshWaiter struct {
	task  *pendingTask
	oldID TaskID
}

// refreshCoordinator serializes token refreshes: at most one token-exchange
// network call is in flight process-wide. Requests needing a refresh while
// one is running join a FIFO queue and are resolved together.
type refreshCoordinator struct {
	account  Account
	tokenURL string
	client   *nethttp.Client
	timeout  time.Duration
	log      logger.Logger

	// resume re-issues a waiter after a successful refresh; fail completes
	// it with a terminal error. Both run outside the coordinator lock.
	resume func(w refreshWaiter)
	fail   func(w refreshWaiter, err error)

	// cycleStarted records each idle-to-refreshing transition against the
	// classifier's 401 ceiling.
	cycleStarted func()

	mu         sync.Mutex
	refreshing bool
	waiters    []refreshWaiter
}

// enqueue parks w and starts a refresh unless one is already running.
func (c *refreshCoordinator) enqueue(w refreshWaiter) {
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	if c.refreshing {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	c.mu.Unlock()

	if c.cycleStarted != nil {
		c.cycleStarted()
	}
	go c.refresh()
}

// remove drops a queued waiter, typically because its caller cancelled.
// Returns false when the waiter is not queued (already resolved or being
// resolved right now).
func (c *refreshCoordinator) remove(task *pendingTask) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w.task == task {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// waiting reports how many requests are parked behind the in-flight refresh.
func (c *refreshCoordinator) waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// clearWaiters empties the queue on session invalidation. The dropped
// waiters' completions are abandoned with the rest of the registry.
func (c *refreshCoordinator) clearWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.waiters)
	c.waiters = nil
	return n
}

func (c *refreshCoordinator) refresh() {
	err := c.exchangeToken()

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Int("waiters", len(waiters)).Msg("token refresh failed, failing all waiters")
		for _, w := range waiters {
			c.fail(w, NewUnauthorizedError("token refresh failed", err))
		}
		return
	}

	c.log.Info().Int("waiters", len(waiters)).Msg("token refreshed, replaying waiters")
	for _, w := range waiters {
		c.resume(w)
	}
}

// tokenResponse is the 200 payload of the token-exchange endpoint. Anything
// beyond these two fields is opaque to this subsystem.
type tokenResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// exchangeToken performs the single token-exchange network call and writes
// the fresh token back to the account. Missing credentials fail fast: no
// retry is possible without them.
func (c *refreshCoordinator) exchangeToken() error {
	username, okUser := c.account.Username()
	password, okPass := c.account.Password()
	if !okUser || !okPass {
		return NewUnauthorizedError("no stored credentials to refresh with", nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set(headerContentType, "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("token exchange call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode != nethttp.StatusOK {
		return fmt.Errorf("token endpoint answered %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("token response carries no access token")
	}

	expiry := tok.ExpiresAt
	if expiry.IsZero() {
		expiry = time.Now().Add(defaultTokenLifetime)
	}

	// The single-writer policy for the account's token: this is the only
	// write path, and it happens-before any waiter is replayed.
	c.account.SetToken(tok.AccessToken, expiry)
	return nil
}
