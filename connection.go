package rtchat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection State
// ============================================================================

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
	StateClosing      ConnState = "closing"
	StateClosed       ConnState = "closed"
	StateReconnecting ConnState = "reconnecting"
)

// StateChange is a connection meta-event delivered to OnStateChange
// observers. Fatal is set when reconnection attempts are exhausted and the
// connection will not recover on its own; the caller decides how to surface
// that to the user.
type StateChange struct {
	State   ConnState
	Attempt int
	Delay   time.Duration
	Err     error
	Fatal   bool
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectBase     = 3 * time.Second
	defaultReconnectCap      = 30 * time.Second
	defaultMaxAttempts       = 5
)

// ============================================================================
// ConnManager
// ============================================================================

// ConnManager owns the single realtime socket of a session: handshake,
// heartbeat, reconnection with capped linear backoff, and teardown. Raw
// frames are passed verbatim to the Dispatcher; the manager itself only
// inspects heartbeat pongs.
type ConnManager struct {
	baseURL    string
	dispatcher *Dispatcher
	log        zerolog.Logger

	heartbeatInterval time.Duration
	reconnectBase     time.Duration
	reconnectCap      time.Duration
	maxAttempts       int

	mu            sync.Mutex
	state         ConnState
	cred          Credential
	conn          *websocket.Conn
	attempts      int
	lastHeartbeat time.Time
	userClosed    bool
	cancelLoops   context.CancelFunc
	retryTimer    *time.Timer
	observers     []func(StateChange)
}

// ConnOption configures a ConnManager.
type ConnOption func(*ConnManager)

// WithHeartbeatInterval overrides the heartbeat period.
func WithHeartbeatInterval(d time.Duration) ConnOption {
	return func(c *ConnManager) { c.heartbeatInterval = d }
}

// WithBackoff overrides the reconnect schedule: attempt n waits
// min(base*n, cap), and reconnection stops for good after maxAttempts
// consecutive failures.
func WithBackoff(base, cap time.Duration, maxAttempts int) ConnOption {
	return func(c *ConnManager) {
		c.reconnectBase = base
		c.reconnectCap = cap
		c.maxAttempts = maxAttempts
	}
}

// WithConnLogger sets the manager's logger.
func WithConnLogger(log zerolog.Logger) ConnOption {
	return func(c *ConnManager) { c.log = log }
}

// NewConnManager creates a connection manager dispatching into d.
func NewConnManager(baseURL string, d *Dispatcher, opts ...ConnOption) *ConnManager {
	c := &ConnManager{
		baseURL:           strings.TrimRight(baseURL, "/"),
		dispatcher:        d,
		log:               zerolog.Nop(),
		heartbeatInterval: defaultHeartbeatInterval,
		reconnectBase:     defaultReconnectBase,
		reconnectCap:      defaultReconnectCap,
		maxAttempts:       defaultMaxAttempts,
		state:             StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *ConnManager) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastHeartbeat returns the time of the last heartbeat acknowledgment.
func (c *ConnManager) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// OnStateChange registers a connection meta-event observer.
func (c *ConnManager) OnStateChange(fn func(StateChange)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *ConnManager) notify(change StateChange) {
	c.mu.Lock()
	obs := make([]func(StateChange), len(c.observers))
	copy(obs, c.observers)
	c.mu.Unlock()
	for _, fn := range obs {
		fn(change)
	}
}

// setState transitions the state and notifies observers. Caller must not
// hold the mutex.
func (c *ConnManager) setState(s ConnState, change StateChange) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	change.State = s
	c.notify(change)
}

// wsURL builds the socket endpoint for the given identity.
func (c *ConnManager) wsURL(cred Credential) string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws/chat/" + cred.UserID + "/?token=" + cred.Token
}

// backoffDelay returns the wait before reconnect attempt n (1-based):
// min(base*n, cap).
func (c *ConnManager) backoffDelay(attempt int) time.Duration {
	d := c.reconnectBase * time.Duration(attempt)
	if d > c.reconnectCap {
		d = c.reconnectCap
	}
	return d
}

// Connect opens the realtime socket for cred. Calling it without a usable
// credential is a no-op: the manager is invoked speculatively before
// authentication completes, so the missing precondition is logged, not
// returned. Connecting as a different identity while a socket is open closes
// the previous connection first; two concurrent identities are never allowed.
func (c *ConnManager) Connect(ctx context.Context, cred Credential) error {
	if !cred.Valid() {
		c.log.Debug().Msg("connect skipped: no credential")
		return nil
	}

	c.mu.Lock()
	switch c.state {
	case StateOpen, StateConnecting:
		if c.cred.UserID == cred.UserID && c.cred.Token == cred.Token {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		c.log.Info().Str("user_id", cred.UserID).Msg("identity changed, closing previous connection")
		c.teardown(websocket.StatusNormalClosure, "identity change")
		c.mu.Lock()
	case StateReconnecting:
		// Explicit connect supersedes the pending retry.
		if c.retryTimer != nil {
			c.retryTimer.Stop()
			c.retryTimer = nil
		}
	}
	c.cred = cred
	c.userClosed = false
	c.attempts = 0 // explicit connect restarts the retry schedule
	c.state = StateConnecting
	c.mu.Unlock()
	c.notify(StateChange{State: StateConnecting})

	return c.dial(ctx, cred)
}

func (c *ConnManager) dial(ctx context.Context, cred Credential) error {
	conn, _, err := websocket.Dial(ctx, c.wsURL(cred), nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("websocket dial failed")
		c.handleClosure(ctx, err)
		return fmt.Errorf("websocket dial: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.cancelLoops = cancel
	c.mu.Unlock()
	c.setState(StateOpen, StateChange{})

	go c.readLoop(loopCtx, conn)
	go c.heartbeatLoop(loopCtx, conn)
	return nil
}

// Disconnect is the user-initiated teardown: the heartbeat and any pending
// reconnect are cancelled, the socket closes with the normal code, and no
// reconnection follows.
func (c *ConnManager) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	c.setState(StateClosing, StateChange{})
	c.teardown(websocket.StatusNormalClosure, "client disconnect")
	c.setState(StateClosed, StateChange{})
}

// teardown closes the socket and stops the read/heartbeat loops.
func (c *ConnManager) teardown(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	cancel := c.cancelLoops
	c.cancelLoops = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(code, reason)
	}
}

// ============================================================================
// Loops
// ============================================================================

func (c *ConnManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closedByUser := c.userClosed
			stale := c.conn != conn
			c.mu.Unlock()
			if closedByUser || stale || ctx.Err() != nil {
				return
			}
			c.teardown(websocket.StatusNormalClosure, "")
			c.handleClosure(context.Background(), err)
			return
		}

		if err := c.dispatchFrame(data); err != nil {
			// Malformed frame: transient, connection stays open.
			c.log.Warn().Err(err).Msg("dropping malformed frame")
		}
	}
}

// dispatchFrame records heartbeat acks before handing the frame to the
// dispatcher verbatim.
func (c *ConnManager) dispatchFrame(data []byte) error {
	ev, err := decodeFrame(data)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	if _, ok := ev.(HeartbeatAck); ok {
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
	}
	c.dispatcher.Publish(ev)
	return nil
}

func (c *ConnManager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`))
			if err != nil {
				// A single failed heartbeat is transient; the read loop
				// detects real connection loss.
				c.log.Warn().Err(err).Msg("heartbeat ping failed")
			}
		}
	}
}

// ============================================================================
// Reconnection
// ============================================================================

// handleClosure reacts to an unexpected closure or failed dial. Normal
// closures initiated by the server (or the user) do not reconnect.
func (c *ConnManager) handleClosure(ctx context.Context, cause error) {
	if websocket.CloseStatus(cause) == websocket.StatusNormalClosure {
		c.setState(StateClosed, StateChange{Err: cause})
		return
	}

	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxAttempts {
		c.mu.Unlock()
		c.log.Error().Err(cause).Int("attempts", c.maxAttempts).Msg("reconnect attempts exhausted")
		c.setState(StateClosed, StateChange{Err: cause, Attempt: c.maxAttempts, Fatal: true})
		return
	}
	c.attempts++
	attempt := c.attempts
	cred := c.cred
	delay := c.backoffDelay(attempt)
	c.mu.Unlock()

	c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
	c.setState(StateReconnecting, StateChange{Err: cause, Attempt: attempt, Delay: delay})

	timer := time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.userClosed || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.retryTimer = nil
		c.mu.Unlock()
		c.notify(StateChange{State: StateConnecting, Attempt: attempt})
		_ = c.dial(ctx, cred)
	})
	c.mu.Lock()
	c.retryTimer = timer
	c.mu.Unlock()
}
