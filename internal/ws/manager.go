package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrShuttingDown     = errors.New("manager shutting down")
)

// TokenValidator is the external auth collaborator. It is consulted only
// from the auth message path and returns the user identity the token
// belongs to.
type TokenValidator interface {
	Validate(token string) (userID string, err error)
}

// MetricsSink receives periodic metric snapshots. Push-only and
// fire-and-forget from the engine's perspective.
type MetricsSink interface {
	Push(ctx context.Context, snap Snapshot) error
}

// Bridge fans broadcasts out to other instances. Publish is called for
// every locally enqueued broadcast; the bridge re-enqueues foreign ones
// through the function handed to Run.
type Bridge interface {
	Publish(ctx context.Context, msg *BroadcastMessage) error
	Run(ctx context.Context, enqueue func(*BroadcastMessage))
}

// Callback signatures for the extension points exposed to the rest of the
// system. Message callbacks receive the raw inbound frame.
type (
	ConnectCallback    func(c *Connection)
	DisconnectCallback func(c *Connection)
	MessageCallback    func(c *Connection, frame json.RawMessage)
)

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	PingInterval         time.Duration
	PongTimeout          time.Duration
	RateLimitWindow      time.Duration
	DefaultRateLimit     int
	QueueSize            int
	CompressionThreshold int
	MetricsInterval      time.Duration
	JanitorInterval      time.Duration
	ReplayRetention      time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = 10 * time.Second
	}
	if out.RateLimitWindow <= 0 {
		out.RateLimitWindow = time.Minute
	}
	if out.DefaultRateLimit <= 0 {
		out.DefaultRateLimit = DefaultRateLimit
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 1024
	}
	if out.CompressionThreshold <= 0 {
		out.CompressionThreshold = 1024
	}
	if out.MetricsInterval <= 0 {
		out.MetricsInterval = time.Minute
	}
	if out.JanitorInterval <= 0 {
		out.JanitorInterval = 5 * time.Minute
	}
	if out.ReplayRetention <= 0 {
		out.ReplayRetention = 10 * time.Minute
	}
	return out
}

// Manager is the authoritative connection and channel registry plus the
// background workers around it. All mutations of the connection table, the
// per-channel reverse index and the user index happen under mu, so the
// bidirectional membership invariant is never observed torn.
type Manager struct {
	opts Options

	channels map[string]ChannelConfig

	mu           sync.RWMutex
	conns        map[string]*Connection
	channelConns map[string]map[string]*Connection
	userConns    map[string]map[string]*Connection
	replay       map[string]*replayBuffer

	queue chan *BroadcastMessage

	validator TokenValidator
	sink      MetricsSink
	bridge    Bridge

	cbMu                sync.RWMutex
	connectCallbacks    []ConnectCallback
	disconnectCallbacks []DisconnectCallback
	messageCallbacks    map[MessageKind][]MessageCallback

	metrics engineMetrics

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	logger *slog.Logger
}

// NewManager builds a Manager over a static channel catalog.
func NewManager(catalog []ChannelConfig, validator TokenValidator, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		opts:             opts.withDefaults(),
		channels:         make(map[string]ChannelConfig, len(catalog)),
		conns:            make(map[string]*Connection),
		channelConns:     make(map[string]map[string]*Connection),
		userConns:        make(map[string]map[string]*Connection),
		replay:           make(map[string]*replayBuffer),
		validator:        validator,
		messageCallbacks: make(map[MessageKind][]MessageCallback),
		ctx:              ctx,
		cancel:           cancel,
		logger:           slog.Default().With("component", "ws"),
	}
	m.queue = make(chan *BroadcastMessage, m.opts.QueueSize)

	for _, ch := range catalog {
		m.channels[ch.Name] = ch
		m.channelConns[ch.Name] = make(map[string]*Connection)
		m.replay[ch.Name] = newReplayBuffer(ch.MessageBufferSize)
		m.logger.Info("channel configured", "channel", ch.Name, "maxConnections", ch.MaxConnections)
	}

	return m
}

// SetSink attaches the metrics sink. Must be called before Start.
func (m *Manager) SetSink(sink MetricsSink) {
	m.sink = sink
}

// SetBridge attaches the cross-instance fan-out bridge. Must be called
// before Start.
func (m *Manager) SetBridge(bridge Bridge) {
	m.bridge = bridge
}

// Start launches the background workers: broadcast processor, heartbeat
// monitor, metrics collector and replay janitor.
func (m *Manager) Start() {
	m.running.Store(true)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runBroadcastProcessor()
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runHeartbeatMonitor()
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runMetricsCollector()
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runJanitor()
	}()

	if m.bridge != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.bridge.Run(m.ctx, func(msg *BroadcastMessage) {
				if err := m.enqueueLocal(msg); err != nil {
					m.logger.Warn("bridge enqueue failed", "error", err)
				}
			})
		}()
	}

	m.logger.Info("websocket manager started",
		"channels", len(m.channels),
		"pingInterval", m.opts.PingInterval,
		"queueSize", m.opts.QueueSize)
}

// Shutdown stops background workers and closes every live connection.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("websocket manager shutting down")
	m.running.Store(false)
	m.cancel()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.cleanup(c, StateDisconnected, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Healthy reports whether the manager is accepting work.
func (m *Manager) Healthy() bool {
	return m.running.Load()
}

// Catalog returns the configured channels.
func (m *Manager) Catalog() []ChannelConfig {
	out := make([]ChannelConfig, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

func (m *Manager) channelNames() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// Serve registers a fresh transport session and runs its read loop until
// the connection dies. The caller's goroutine is consumed; the write pump
// runs on its own. An optional handshake channel is subscribed before the
// first frame is read.
func (m *Manager) Serve(conn Conn, handshakeChannel string) {
	if !m.running.Load() {
		conn.Close()
		return
	}

	c := m.register(conn, handshakeChannel)

	go c.writePump(m.opts.PingInterval)

	err := m.readLoop(c)
	if cleanClose(err) {
		m.cleanup(c, StateDisconnected, "client disconnected")
	} else {
		m.cleanup(c, StateError, "transport fault")
	}
}

// register adds a connection to the table, sends the welcome frame and
// performs the optional handshake subscription.
func (m *Manager) register(conn Conn, handshakeChannel string) *Connection {
	c := newConnection(conn)
	c.setState(StateConnected)

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	m.metrics.totalConnections.Add(1)
	m.metrics.activeConnections.Add(1)

	m.logger.Info("connection registered", "connID", c.id, "channel", handshakeChannel)

	// Welcome frame listing the channels a client may subscribe to.
	m.sendFrame(c, NewStatusFrame(map[string]any{
		"connection_id":      c.id,
		"status":             "connected",
		"channels_available": m.channelNames(),
	}))

	if handshakeChannel != "" {
		if _, ok := m.channels[handshakeChannel]; ok {
			m.subscribe(c, handshakeChannel)
		}
	}

	m.notifyConnect(c)
	return c
}

// subscribe validates the channel, auth and capacity checks in order and,
// on success, updates both sides of the membership index atomically and
// replays buffered frames oldest first.
func (m *Manager) subscribe(c *Connection, name string) {
	ch, ok := m.channels[name]
	if !ok {
		m.sendError(c, ErrCodeInvalidChannel, fmt.Sprintf("channel %q not found", name))
		return
	}

	if ch.AuthRequired && c.State() != StateAuthenticated {
		m.sendError(c, ErrCodeAuthRequired, fmt.Sprintf("channel %q requires authentication", name))
		return
	}

	m.mu.Lock()
	// Re-checked under the registry lock: cleanup latches cleanedUp before
	// it sweeps the indices, so a connection torn down while this frame was
	// in flight must not re-enter the reverse index. An entry added here
	// after cleanup would never be removed.
	if c.cleanedUp.Load() || !c.active() {
		m.mu.Unlock()
		m.sendError(c, ErrCodeNotConnected, "connection is not active")
		return
	}
	members := m.channelConns[name]
	if _, already := members[c.id]; !already && len(members) >= ch.MaxConnections {
		m.mu.Unlock()
		m.sendError(c, ErrCodeChannelFull, fmt.Sprintf("channel %q is full", name))
		return
	}

	// Replay is primed and membership added under the same lock the
	// broadcast processor takes, so the late joiner sees every buffered
	// frame, oldest first, strictly before any subsequent live broadcast.
	for _, frame := range m.replay[name].snapshot() {
		m.deliver(c, m.prepare(&ch, frame))
	}
	members[c.id] = c
	c.addChannel(name)
	m.mu.Unlock()

	m.sendFrame(c, NewStatusFrame(map[string]any{
		"subscribed": true,
		"channel":    name,
	}))

	m.logger.Info("subscribed", "connID", c.id, "channel", name)
}

// unsubscribe is idempotent: leaving a channel the connection never joined
// still confirms with a status frame.
func (m *Manager) unsubscribe(c *Connection, name string) {
	m.mu.Lock()
	if members, ok := m.channelConns[name]; ok {
		delete(members, c.id)
	}
	c.removeChannel(name)
	m.mu.Unlock()

	m.sendFrame(c, NewStatusFrame(map[string]any{
		"unsubscribed": true,
		"channel":      name,
	}))

	m.logger.Info("unsubscribed", "connID", c.id, "channel", name)
}

// cleanup is the single choke point for connection teardown, reached from
// explicit disconnect, protocol error, heartbeat timeout and shutdown
// alike. It runs its side effects exactly once per connection.
func (m *Manager) cleanup(c *Connection, terminal ConnState, reason string) {
	if !c.cleanedUp.CompareAndSwap(false, true) {
		return
	}

	c.setState(terminal)
	c.cancel()
	c.closeSend()

	m.mu.Lock()
	delete(m.conns, c.id)
	for _, name := range c.Channels() {
		if members, ok := m.channelConns[name]; ok {
			delete(members, c.id)
		}
		c.removeChannel(name)
	}
	if userID := c.UserID(); userID != "" {
		if set, ok := m.userConns[userID]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(m.userConns, userID)
			}
		}
	}
	m.mu.Unlock()

	m.metrics.activeConnections.Add(-1)
	m.metrics.disconnections.Add(1)
	if terminal == StateError {
		m.metrics.errors.Add(1)
	}

	m.notifyDisconnect(c)

	// Transport is borrowed; closing it is the last action.
	if err := c.conn.Close(); err != nil {
		m.logger.Debug("transport close", "connID", c.id, "error", err)
	}

	m.logger.Info("connection cleaned up", "connID", c.id, "reason", reason)
}

// RegisterConnectCallback adds a hook invoked after a connection is
// registered and welcomed.
func (m *Manager) RegisterConnectCallback(cb ConnectCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.connectCallbacks = append(m.connectCallbacks, cb)
}

// RegisterDisconnectCallback adds a hook invoked from cleanup.
func (m *Manager) RegisterDisconnectCallback(cb DisconnectCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.disconnectCallbacks = append(m.disconnectCallbacks, cb)
}

// RegisterMessageCallback routes inbound frames of the given kind to an
// application handler. Reserved kinds stay with the dispatcher.
func (m *Manager) RegisterMessageCallback(kind MessageKind, cb MessageCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.messageCallbacks[kind] = append(m.messageCallbacks[kind], cb)
}

func (m *Manager) notifyConnect(c *Connection) {
	m.cbMu.RLock()
	cbs := make([]ConnectCallback, len(m.connectCallbacks))
	copy(cbs, m.connectCallbacks)
	m.cbMu.RUnlock()

	for _, cb := range cbs {
		cb(c)
	}
}

func (m *Manager) notifyDisconnect(c *Connection) {
	m.cbMu.RLock()
	cbs := make([]DisconnectCallback, len(m.disconnectCallbacks))
	copy(cbs, m.disconnectCallbacks)
	m.cbMu.RUnlock()

	for _, cb := range cbs {
		cb(c)
	}
}

func (m *Manager) notifyMessage(kind MessageKind, c *Connection, raw json.RawMessage) bool {
	m.cbMu.RLock()
	cbs := make([]MessageCallback, len(m.messageCallbacks[kind]))
	copy(cbs, m.messageCallbacks[kind])
	m.cbMu.RUnlock()

	for _, cb := range cbs {
		cb(c, raw)
	}
	return len(cbs) > 0
}

// GetConnectionInfo returns a snapshot of one connection, or false if the
// ID is unknown.
func (m *Manager) GetConnectionInfo(id string) (ConnectionInfo, bool) {
	m.mu.RLock()
	c, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.Info(), true
}

// subscriberCount reports how many connections a channel currently has.
func (m *Manager) subscriberCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channelConns[name])
}
