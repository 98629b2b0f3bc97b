package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/homecast/homecast/internal/relay/id"
	"github.com/homecast/homecast/internal/relay/protocol"
)

const defaultSendTimeout = 30 * time.Second

// PendingRequests tracks in-flight request/response pairs on local agent
// sockets. One-shot: each request ID has a single buffered slot, and only
// the first matching response lands.
type PendingRequests struct {
	mu      sync.Mutex
	pending map[string]chan *protocol.Frame // requestID -> response channel
}

// NewPendingRequests creates a PendingRequests tracker.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{
		pending: make(map[string]chan *protocol.Frame),
	}
}

// SendAndWait assigns the frame a request ID, sends it to the agent, and
// waits for the matching response. Returns an error if the context is
// cancelled or the default timeout (30s) expires.
func (p *PendingRequests) SendAndWait(
	ctx context.Context,
	conn *Conn,
	f *protocol.Frame,
) (*protocol.Frame, error) {
	if conn == nil {
		return nil, fmt.Errorf("agent not connected")
	}

	// Enforce a default timeout so callers never hang on a socket whose
	// agent has died but hasn't been unregistered yet.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultSendTimeout)
		defer cancel()
	}

	requestID := id.Generate()
	f.ID = requestID

	ch := make(chan *protocol.Frame, 1)

	p.mu.Lock()
	p.pending[requestID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, requestID)
		p.mu.Unlock()
	}()

	if err := conn.Send(ctx, f); err != nil {
		return nil, fmt.Errorf("send to agent: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		return resp, nil
	}
}

// Complete delivers a response to the waiting goroutine. Returns true if a
// pending request was found and completed; duplicates are dropped.
func (p *PendingRequests) Complete(requestID string, f *protocol.Frame) bool {
	p.mu.Lock()
	ch, ok := p.pending[requestID]
	p.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case ch <- f:
		return true
	default:
		return false
	}
}
