// Package paginate implements the offset-cursor engine shared by the feed,
// replies, conversations, notifications and follower lists: fetch the first
// page, fetch more, detect exhaustion, reset on query-identity change.
package paginate

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"waveline/graph"
)

// Paginator drives one query's cursor. Calls overlapping an in-flight fetch
// are no-ops, so a cursor never has two requests racing. A fetched page with
// zero items marks the cursor finished; seeing the empty-page signal again
// for the same cursor is idempotent exhaustion, not an error.
type Paginator struct {
	exec  graph.Executor
	clear func()
	log   *slog.Logger

	mu       sync.Mutex
	offset   int
	finished bool
	pending  bool
	reset    bool
	errMsg   string
}

// New builds a Paginator over the query executor. clearSlot evicts this
// query's cache slot before a reset fetch and may be nil. The first Paginate
// call behaves as a reset, fetching offset 0.
func New(exec graph.Executor, clearSlot func(), logger *slog.Logger) *Paginator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Paginator{exec: exec, clear: clearSlot, log: logger, reset: true}
}

// Paginate advances the cursor. With an offsetOverride the fetch-more uses
// that offset instead of the loaded-item count.
func (p *Paginator) Paginate(ctx context.Context, vars map[string]any, offsetOverride ...int) {
	p.mu.Lock()
	// The error is sticky until Reset: a failed first page must not be
	// silently re-issued on the next call.
	if p.pending || p.errMsg != "" {
		p.mu.Unlock()
		return
	}
	if p.reset {
		p.pending = true
		p.mu.Unlock()
		p.fetchFirst(ctx, vars)
		return
	}
	if p.finished {
		p.mu.Unlock()
		return
	}
	offset := p.offset
	if len(offsetOverride) > 0 {
		offset = offsetOverride[0]
	}
	p.pending = true
	p.mu.Unlock()
	p.fetchMore(ctx, vars, offset)
}

func (p *Paginator) fetchFirst(ctx context.Context, vars map[string]any) {
	if p.clear != nil {
		p.clear()
	}
	res, err := p.exec.Fetch(ctx, withOffset(vars, 0))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = false
	if msg := errorString(res, err); msg != "" {
		// A failed first page stops further fetch-more calls; pages already
		// loaded elsewhere are left alone.
		p.errMsg = msg
		p.log.Warn("first page fetch failed", "err", msg)
		return
	}
	p.reset = false
	p.errMsg = ""
	items, perr := res.Items()
	if perr != nil {
		p.errMsg = perr.Error()
		return
	}
	p.offset = len(items)
	p.finished = len(items) == 0
}

func (p *Paginator) fetchMore(ctx context.Context, vars map[string]any, offset int) {
	res, err := p.exec.FetchMore(ctx, withOffset(vars, offset))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = false
	if msg := errorString(res, err); msg != "" {
		// Fetch-more failures leave the cursor retryable.
		p.log.Warn("fetch more failed", "offset", offset, "err", msg)
		return
	}
	items, perr := res.Items()
	if perr != nil {
		p.log.Warn("unreadable page", "err", perr)
		return
	}
	if len(items) == 0 {
		// Idempotent whether or not the cursor was already exhausted.
		p.finished = true
		return
	}
	p.offset += len(items)
}

// Reset clears the cursor so the next Paginate refetches from offset 0.
// Used whenever the query's identity changes.
func (p *Paginator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset = true
	p.finished = false
	p.errMsg = ""
	p.offset = 0
}

// Finished reports whether the cursor is exhausted.
func (p *Paginator) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// Offset returns the loaded-item count.
func (p *Paginator) Offset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// Err returns the first-page error string, if any.
func (p *Paginator) Err() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errMsg
}

// InFlight reports whether a fetch is currently pending.
func (p *Paginator) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func withOffset(vars map[string]any, offset int) map[string]any {
	out := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		out[k] = v
	}
	out["offset"] = offset
	return out
}

func errorString(res graph.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if len(res.Errors) > 0 {
		return strings.Join(res.Errors, "; ")
	}
	return ""
}
