package session

import (
	"context"
	"sync"
	"time"
)

// ReconnectingClient wraps Client with automatic reconnection: after the
// control socket closes, it waits ReconnectDelay and redials, producing a
// fresh symmetric key on each new handshake. Waiters from the prior
// session are already failed by Client.teardown before the reconnect
// fires; they are never silently transferred to the new session.
type ReconnectingClient struct {
	url  string
	opts DialOptions

	mu      sync.Mutex
	current *Client
	stopped bool
}

// NewReconnectingClient dials url once and keeps reconnecting in the
// background until Stop is called.
func NewReconnectingClient(ctx context.Context, url string, opts DialOptions) (*ReconnectingClient, error) {
	rc := &ReconnectingClient{url: url, opts: opts}
	c, err := Connect(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	rc.current = c
	go rc.watch(ctx, c)
	return rc, nil
}

// watch waits for c to close and then redials after ReconnectDelay,
// looping until Stop is called or ctx is cancelled.
func (rc *ReconnectingClient) watch(ctx context.Context, c *Client) {
	<-c.Done()

	for {
		rc.mu.Lock()
		stopped := rc.stopped
		rc.mu.Unlock()
		if stopped {
			return
		}

		timer := time.NewTimer(ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, err := Connect(ctx, rc.url, rc.opts)
		if err != nil {
			rc.opts.Logger.Warn().Err(err).Msg("reconnect attempt failed, retrying after delay")
			continue
		}

		rc.mu.Lock()
		rc.current = next
		rc.mu.Unlock()

		<-next.Done()
	}
}

// Current returns the active Client. It may be swapped out from under the
// caller across a reconnect; callers that need a stable handle for one
// request should capture it once.
func (rc *ReconnectingClient) Current() *Client {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.current
}

// Stop disables further reconnection attempts and closes the active
// session.
func (rc *ReconnectingClient) Stop() {
	rc.mu.Lock()
	rc.stopped = true
	c := rc.current
	rc.mu.Unlock()
	if c != nil {
		c.Close()
	}
}
