package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MUYAHGaious/izichat/internal/status"
)

const (
	defaultTypingTTL   = 3 * time.Second
	defaultPingPeriod  = 30 * time.Second
	defaultWriteWait   = 10 * time.Second
	defaultDialTimeout = 15 * time.Second
	inboundBuffer      = 256
)

// Handler receives inbound events one at a time, in arrival order.
type Handler func(Event)

// Config tunes a Session. Zero values take defaults.
type Config struct {
	Backoff Backoff
	// MaxAttempts stops reconnecting after this many consecutive failures.
	// Zero retries forever.
	MaxAttempts int
	TypingTTL   time.Duration
	PingPeriod  time.Duration
	WriteWait   time.Duration
	ReadTimeout time.Duration
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = defaultTypingTTL
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = defaultPingPeriod
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	return c
}

// Session owns one logical real-time channel to the chat server. It
// reconnects with capped exponential backoff after unexpected drops and
// feeds inbound events to a single dispatcher goroutine.
type Session struct {
	dialer  Dialer
	machine *status.Machine
	cfg     Config
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handler  Handler
	conn     Conn
	endpoint string
	token    string
	attempts int
	timer    *time.Timer
	closed   bool
	// epoch advances on Disconnect so a dial that started before it
	// discards its result.
	epoch uint64

	writeMu sync.Mutex

	inbound chan item
	quit    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	gen   uint64
	timer *time.Timer
}

// item is one unit of dispatcher work: a wire event or a typing expiry.
type item struct {
	evt    Event
	expiry *typingKey
	gen    uint64
}

// NewSession creates a Session and starts its dispatcher.
func NewSession(d Dialer, m *status.Machine, cfg Config, log *zap.Logger) *Session {
	if m == nil {
		m = status.NewMachine(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		dialer:  d,
		machine: m,
		cfg:     cfg.withDefaults(),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		inbound: make(chan item, inboundBuffer),
		quit:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatchLoop()
	return s
}

// OnEvent sets the handler for inbound events.
func (s *Session) OnEvent(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Session) State() status.State {
	return s.machine.Current()
}

// Connect dials endpoint. On failure a reconnect is scheduled and a
// ConnectFailed error is returned. Connecting while already connected is a
// no-op.
func (s *Session) Connect(ctx context.Context, endpoint, token string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.endpoint, s.token = endpoint, token
	s.stopTimerLocked()
	s.attempts = 0
	s.mu.Unlock()
	return s.dial(ctx)
}

func (s *Session) dial(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	// Another dial is in flight or we are already up.
	if err := s.machine.Transition(status.Connecting); err != nil {
		s.mu.Unlock()
		return nil
	}
	endpoint, token, epoch := s.endpoint, s.token, s.epoch
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.dialer.Dial(dialCtx, endpoint, token)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return ErrSessionClosed
	}
	if s.epoch != epoch {
		if conn != nil {
			_ = conn.Close()
		}
		s.log.Info("dial abandoned after disconnect")
		return &Error{Kind: Disconnected}
	}
	if err != nil {
		s.log.Warn("connect failed", zap.Int("attempt", s.attempts), zap.Error(err))
		s.scheduleReconnectLocked()
		return &Error{Kind: ConnectFailed, Err: err}
	}

	s.conn = conn
	s.attempts = 0
	s.transitionLocked(status.Connected)
	s.log.Info("connected")

	done := make(chan struct{})
	s.wg.Add(2)
	go s.readLoop(conn, done)
	go s.pingLoop(conn, done)
	return nil
}

func (s *Session) scheduleReconnectLocked() {
	if s.closed {
		return
	}
	if s.cfg.MaxAttempts > 0 && s.attempts >= s.cfg.MaxAttempts {
		s.log.Warn("giving up reconnect", zap.Int("attempts", s.attempts))
		s.transitionLocked(status.Disconnected)
		return
	}
	delay := s.cfg.Backoff.Next(s.attempts)
	s.attempts++
	s.transitionLocked(status.Reconnecting)
	s.log.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", s.attempts))
	s.timer = time.AfterFunc(delay, func() { _ = s.dial(s.ctx) })
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) transitionLocked(to status.State) {
	if err := s.machine.Transition(to); err != nil {
		s.log.Debug("state transition rejected", zap.Error(err))
	}
}

func (s *Session) readLoop(conn Conn, done chan struct{}) {
	defer s.wg.Done()
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.connLost(conn, done, err)
			return
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil || evt.Type == "" {
			s.log.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		if !s.enqueue(item{evt: evt}) {
			return
		}
	}
}

func (s *Session) connLost(conn Conn, done chan struct{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(done)
	_ = conn.Close()
	if s.conn != conn {
		return
	}
	s.conn = nil
	if s.closed {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		s.log.Info("server closed connection")
		s.transitionLocked(status.Disconnected)
		return
	}
	s.log.Warn("connection lost", zap.Error(err))
	s.scheduleReconnectLocked()
}

func (s *Session) pingLoop(conn Conn, done chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.quit:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.log.Debug("ping failed", zap.Error(err))
				// The read loop notices the close and reconnects.
				_ = conn.Close()
				return
			}
		}
	}
}

// Send writes evt to the socket. It fails with a Disconnected error unless
// the session is Connected; nothing is buffered across disconnects.
func (s *Session) Send(evt Event) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || !s.machine.Is(status.Connected) {
		return &Error{Kind: Disconnected}
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return &Error{Kind: SendFailed, Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return &Error{Kind: SendFailed, Err: err}
	}
	return nil
}

// Dispatch queues an inbound event behind everything already received.
func (s *Session) Dispatch(evt Event) {
	s.enqueue(item{evt: evt})
}

func (s *Session) enqueue(it item) bool {
	select {
	case s.inbound <- it:
		return true
	case <-s.quit:
		return false
	}
}

func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	typing := make(map[typingKey]*typingEntry)
	var gen uint64
	defer func() {
		for _, e := range typing {
			e.timer.Stop()
		}
	}()

	for {
		select {
		case <-s.quit:
			return
		case it := <-s.inbound:
			if it.expiry != nil {
				e, ok := typing[*it.expiry]
				if !ok || e.gen != it.gen {
					continue
				}
				delete(typing, *it.expiry)
				s.deliver(typingStopped(*it.expiry))
				continue
			}

			if it.evt.Type == TypeTyping {
				var p TypingPayload
				if err := it.evt.Decode(&p); err == nil {
					key := typingKey{conversationID: it.evt.ConversationID, userID: p.UserID}
					if e, ok := typing[key]; ok {
						e.timer.Stop()
						delete(typing, key)
					}
					if p.Active {
						gen++
						g := gen
						typing[key] = &typingEntry{
							gen: g,
							timer: time.AfterFunc(s.cfg.TypingTTL, func() {
								s.enqueue(item{expiry: &key, gen: g})
							}),
						}
					}
				}
			}
			s.deliver(it.evt)
		}
	}
}

func typingStopped(key typingKey) Event {
	evt, _ := NewEvent(TypeTyping, key.conversationID, TypingPayload{UserID: key.userID, Active: false})
	evt.Synthetic = true
	return evt
}

func (s *Session) deliver(evt Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// Disconnect drops the socket and any pending reconnect but leaves the
// session usable for a later Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.epoch++
	s.stopTimerLocked()
	s.attempts = 0
	if conn := s.conn; conn != nil {
		s.conn = nil
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnecting"),
			time.Now().Add(s.cfg.WriteWait))
		_ = conn.Close()
	}
	if s.machine.Current() != status.Disconnected {
		s.transitionLocked(status.Disconnected)
	}
	s.log.Info("disconnected")
}

// Close cancels any pending reconnect, closes the socket with a
// normal-closure frame and stops the dispatcher. It must not be called from
// a Handler.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.stopTimerLocked()
		if conn := s.conn; conn != nil {
			s.conn = nil
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
				time.Now().Add(s.cfg.WriteWait))
			_ = conn.Close()
		}
		s.transitionLocked(status.Closed)
		s.mu.Unlock()

		s.cancel()
		close(s.quit)
		s.wg.Wait()
	})
	return nil
}
