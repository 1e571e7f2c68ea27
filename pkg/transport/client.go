package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"socialchat/pkg/logger"
	"socialchat/pkg/metrics"
	"socialchat/pkg/protocol"
)

var (
	ErrNotConnected       = errors.New("transport: not connected")
	ErrAckTimeout         = errors.New("transport: acknowledgement timed out")
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
	ErrUnauthorized       = errors.New("transport: unauthorized")
	ErrHandshake          = errors.New("transport: handshake failed")
	ErrClosed             = errors.New("transport: client closed")
)

// State is the lifecycle state of the connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configure a Client. Zero values fall back to defaults.
type Options struct {
	URL   string
	Token string

	AckTimeout           time.Duration
	HandshakeTimeout     time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	PingInterval         time.Duration
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration

	Dialer  *websocket.Dialer
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 8
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			HandshakeTimeout: o.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}
	o.Logger = logger.OrNop(o.Logger)
	return o
}

// Client is a duplex event connection to the relay. It is safe for
// concurrent use and reconnects on its own after a connection loss.
type Client struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	state    State
	link     *link
	userID   string
	ready    chan struct{}
	isReady  bool
	err      error
	shutdown bool
	closed   chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Envelope

	hmu         sync.RWMutex
	nextID      uint64
	handlers    map[string]map[uint64]func(protocol.Envelope)
	onReconnect map[uint64]func()
	onState     map[uint64]func(State)
}

// New creates a disconnected client.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:        opts,
		log:         opts.Logger.With(zap.String("component", "transport")),
		ready:       make(chan struct{}),
		closed:      make(chan struct{}),
		pending:     make(map[string]chan protocol.Envelope),
		handlers:    make(map[string]map[uint64]func(protocol.Envelope)),
		onReconnect: make(map[uint64]func()),
		onState:     make(map[uint64]func(State)),
	}
}

// SetToken replaces the bearer token used by subsequent connection attempts.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Token = token
}

// Connect dials the relay and completes the handshake. It is a no-op while
// a connection is already established or being established.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected && c.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.err = nil
	c.mu.Unlock()
	c.setState(StateConnecting)

	l, userID, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	if !c.attach(l, userID) {
		return ErrClosed
	}
	c.log.Info("transport_connected", zap.String("user_id", userID))
	return nil
}

// Close shuts the connection down for good and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	close(c.closed)
	l := c.link
	c.link = nil
	c.mu.Unlock()

	if l != nil {
		deadline := time.Now().Add(time.Second)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		l.close()
	}
	c.setState(StateClosed)
	c.log.Info("transport_closed")
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error once reconnection has given up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// UserID returns the user id announced by the relay during the handshake.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Ready returns a channel that is closed while the client is connected.
// After a connection loss a fresh channel is handed out.
func (c *Client) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Subscribe registers fn for an inbound event. Handlers run on the read
// goroutine in arrival order and must not block.
func (c *Client) Subscribe(event string, fn func(protocol.Envelope)) (unsubscribe func()) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]func(protocol.Envelope))
	}
	c.handlers[event][id] = fn
	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		delete(c.handlers[event], id)
	}
}

// OnReconnect registers fn to run, on its own goroutine, after every
// successful reconnection.
func (c *Client) OnReconnect(fn func()) (unsubscribe func()) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.nextID++
	id := c.nextID
	c.onReconnect[id] = fn
	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		delete(c.onReconnect, id)
	}
}

// OnStateChange registers fn to observe state transitions.
func (c *Client) OnStateChange(fn func(State)) (unsubscribe func()) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.nextID++
	id := c.nextID
	c.onState[id] = fn
	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		delete(c.onState, id)
	}
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	l, err := c.current()
	if err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	env, err := protocol.NewEnvelope(event, "", payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return c.enqueue(ctx, l, env)
}

// Request sends an event carrying a fresh correlation id and waits for the
// matching acknowledgement. An error reply comes back as a non-OK ack.
func (c *Client) Request(ctx context.Context, event string, payload any) (protocol.AckPayload, error) {
	l, err := c.current()
	if err != nil {
		return protocol.AckPayload{}, fmt.Errorf("%s: %w", event, err)
	}

	ackID := uuid.NewString()
	env, err := protocol.NewEnvelope(event, ackID, payload)
	if err != nil {
		return protocol.AckPayload{}, fmt.Errorf("encode %s: %w", event, err)
	}

	reply := make(chan protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[ackID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, ackID)
		c.pendingMu.Unlock()
	}()

	if err := c.enqueue(ctx, l, env); err != nil {
		return protocol.AckPayload{}, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		var ack protocol.AckPayload
		if err := resp.Decode(&ack); err != nil {
			return protocol.AckPayload{}, fmt.Errorf("decode %s ack: %w", event, err)
		}
		if resp.Event == protocol.EventError {
			ack.Status = protocol.StatusError
		}
		return ack, nil
	case <-timer.C:
		return protocol.AckPayload{}, fmt.Errorf("%s: %w: %w", event, ErrAckTimeout, context.DeadlineExceeded)
	case <-ctx.Done():
		return protocol.AckPayload{}, fmt.Errorf("%s: %w", event, ctx.Err())
	case <-l.done:
		return protocol.AckPayload{}, fmt.Errorf("%s: %w", event, ErrNotConnected)
	}
}

func (c *Client) current() (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, ErrClosed
	}
	if c.state != StateConnected || c.link == nil {
		return nil, ErrNotConnected
	}
	return c.link, nil
}

func (c *Client) enqueue(ctx context.Context, l *link, env protocol.Envelope) error {
	select {
	case l.send <- env:
		return nil
	case <-l.done:
		return fmt.Errorf("%s: %w", env.Event, ErrNotConnected)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", env.Event, ctx.Err())
	}
}

func (c *Client) dial(ctx context.Context) (*link, string, error) {
	c.mu.Lock()
	url, token := c.opts.URL, c.opts.Token
	c.mu.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, "", fmt.Errorf("dial %s: %w", url, ErrUnauthorized)
		}
		return nil, "", fmt.Errorf("dial %s: %w", url, err)
	}

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if env.Event != protocol.EventConnected {
		conn.Close()
		var p protocol.ErrorPayload
		_ = env.Decode(&p)
		return nil, "", fmt.Errorf("%w: got %q %s", ErrHandshake, env.Event, p.Error)
	}
	var p protocol.ConnectedPayload
	if err := env.Decode(&p); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	return newLink(conn), p.UserID, nil
}

// attach installs a freshly handshaken link and starts its loops.
func (c *Client) attach(l *link, userID string) bool {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		l.close()
		return false
	}
	c.link = l
	c.userID = userID
	if !c.isReady {
		close(c.ready)
		c.isReady = true
	}
	c.mu.Unlock()

	c.setState(StateConnected)
	go c.writeLoop(l)
	go c.readLoop(l)
	return true
}

// lost runs once per link when its read loop ends.
func (c *Client) lost(l *link, cause error) {
	l.close()

	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	if c.isReady {
		c.ready = make(chan struct{})
		c.isReady = false
	}
	shutdown := c.shutdown
	c.mu.Unlock()
	if shutdown {
		return
	}

	c.log.Warn("transport_disconnected", zap.Error(cause))
	c.setState(StateReconnecting)
	go c.reconnect()
}

func (c *Client) reconnect() {
	for attempt := 0; attempt < c.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-time.After(c.backoff(attempt)):
		case <-c.closed:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		l, userID, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.log.Warn("reconnect_failed", zap.Int("attempt", attempt+1), zap.Error(err))
			if errors.Is(err, ErrUnauthorized) {
				break
			}
			continue
		}
		if !c.attach(l, userID) {
			return
		}
		c.opts.Metrics.IncReconnect()
		c.log.Info("transport_reconnected", zap.Int("attempt", attempt+1))
		c.fireReconnect()
		return
	}

	c.mu.Lock()
	c.err = ErrReconnectExhausted
	c.mu.Unlock()
	c.log.Error("reconnect_exhausted", zap.Int("attempts", c.opts.MaxReconnectAttempts))
	c.setState(StateClosed)
}

// backoff doubles from the base delay up to the cap.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.ReconnectBaseDelay
	for i := 0; i < attempt && d < c.opts.ReconnectMaxDelay; i++ {
		d *= 2
	}
	if d > c.opts.ReconnectMaxDelay {
		d = c.opts.ReconnectMaxDelay
	}
	return d
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	// a user Close is final
	if c.shutdown && s != StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.hmu.RLock()
	fns := make([]func(State), 0, len(c.onState))
	for _, fn := range c.onState {
		fns = append(fns, fn)
	}
	c.hmu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Client) fireReconnect() {
	c.hmu.RLock()
	fns := make([]func(), 0, len(c.onReconnect))
	for _, fn := range c.onReconnect {
		fns = append(fns, fn)
	}
	c.hmu.RUnlock()
	for _, fn := range fns {
		go fn()
	}
}

// route hands acknowledgements to their waiting request and everything
// else to subscribers.
func (c *Client) route(env protocol.Envelope) {
	if env.AckID != "" && (env.Event == protocol.EventAck || env.Event == protocol.EventError) {
		c.pendingMu.Lock()
		reply, ok := c.pending[env.AckID]
		c.pendingMu.Unlock()
		if ok {
			select {
			case reply <- env:
			default:
			}
		} else {
			c.log.Debug("late_ack_dropped", zap.String("ack_id", env.AckID))
		}
		return
	}

	if env.Event == protocol.EventError {
		var p protocol.ErrorPayload
		_ = env.Decode(&p)
		c.log.Warn("relay_error", zap.String("error", p.Error), zap.String("code", p.Code))
	}

	c.hmu.RLock()
	hs := make([]func(protocol.Envelope), 0, len(c.handlers[env.Event]))
	for _, fn := range c.handlers[env.Event] {
		hs = append(hs, fn)
	}
	c.hmu.RUnlock()
	for _, fn := range hs {
		c.deliver(env, fn)
	}
}

func (c *Client) deliver(env protocol.Envelope, fn func(protocol.Envelope)) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler_panic", zap.String("event", env.Event), zap.Any("panic", r))
		}
	}()
	fn(env)
}
