// Package executor issues authenticated HTTP requests against a
// library-content API with transparent bearer-token refresh.
//
// A request that fails with 401 while token auth is configured routes to a
// refresh coordinator that performs at most one token-exchange call at a
// time; concurrent requests needing the refresh queue behind it and are
// replayed once it succeeds, each at most once. Every completed exchange is
// classified into a uniform taxonomy (success, structured problem document,
// transient network failure, HTTP failure, or raw transport error) and
// delivered to the caller's completion callback exactly once.
//
// Concurrency
//   - The task registry is guarded by one lock held only for map mutation,
//     never across network calls or callbacks.
//   - Refresh state uses its own lock; completion work runs outside both.
//   - Completion callbacks may issue new requests.
//
// The blocking *Context methods bridge the callback surface to ordinary Go
// calls, and GetWithRetry layers a bounded exponential backoff on top for
// transient-network recovery.
package executor
