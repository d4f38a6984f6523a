package ibmsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ehr/ibms/internal/platform/websocket"
)

// AnyEvent registers a handler for every event type.
const AnyEvent = "*"

const writeWait = 10 * time.Second

// ErrSocketClosed is returned by operations on a closed Socket.
var ErrSocketClosed = errors.New("socket closed")

// HandlerID identifies a handler registered with On or OnConnectionChange.
type HandlerID uint64

// EventHandler receives events on the socket's dispatch goroutine.
type EventHandler func(Event)

type handlerEntry struct {
	id        HandlerID
	eventType string
	fn        EventHandler
}

// Socket is the terminal end of the SyncChannel. Topics are reference
// counted: the server subscription is dropped when the last holder leaves.
// Handlers and connection listeners run one at a time on a single dispatch
// goroutine, in the order frames arrived. After a reconnect every held
// topic is joined again before listeners hear about it.
type Socket struct {
	cfg    Config
	url    string
	header http.Header
	dialer *gorillawebsocket.Dialer
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *gorillawebsocket.Conn
	ready     bool
	started   bool
	refs      map[string]int
	joined    map[string]bool
	waiters   map[string][]chan error
	handlers  []handlerEntry
	listeners map[HandlerID]func(bool)
	nextID    HandlerID

	writeMu   sync.Mutex
	queue     chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewSocket(cfg Config) (*Socket, error) {
	cfg = cfg.withDefaults()
	u, err := cfg.socketURL()
	if err != nil {
		return nil, fmt.Errorf("socket url: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	header := http.Header{}
	if cfg.Actor != "" {
		header.Set("X-Actor", cfg.Actor)
	}

	return &Socket{
		cfg:    cfg,
		url:    u,
		header: header,
		dialer: &gorillawebsocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
		},
		logger:    cfg.Logger.With().Str("component", "ibms-socket").Logger(),
		refs:      make(map[string]int),
		joined:    make(map[string]bool),
		waiters:   make(map[string][]chan error),
		listeners: make(map[HandlerID]func(bool)),
		queue:     make(chan func(), cfg.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Connect dials the server and starts dispatching. When the first dial
// fails the error wraps ErrTransportDisconnected and the socket keeps
// retrying in the background.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("socket already started")
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatchLoop()

	conn, err := s.dial(ctx)
	if err != nil {
		s.wg.Add(1)
		go s.reconnect()
		return fmt.Errorf("%w: %w", ErrTransportDisconnected, err)
	}
	if !s.attach(conn) {
		return ErrSocketClosed
	}
	s.setReady()
	return nil
}

// IsConnected reports whether the socket is up and every held topic is
// joined.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// On registers fn for events of eventType, or every event for AnyEvent.
func (s *Socket) On(eventType string, fn EventHandler) HandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.handlers = append(s.handlers, handlerEntry{id: s.nextID, eventType: eventType, fn: fn})
	return s.nextID
}

// OnConnectionChange registers fn to hear connectivity changes.
func (s *Socket) OnConnectionChange(fn func(connected bool)) HandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.listeners[s.nextID] = fn
	return s.nextID
}

// Off removes a handler or connection listener. Unknown ids are ignored.
func (s *Socket) Off(id HandlerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
	for i, h := range s.handlers {
		if h.id == id {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return
		}
	}
}

// Join holds topic and waits until the server acknowledges the
// subscription, so a fetch issued afterwards cannot miss an event. While
// the transport is down the topic stays held, will be joined on
// reconnect, and Join returns ErrTransportDisconnected. A join that is not
// acknowledged within JoinTimeout drops its hold and fails with
// context.DeadlineExceeded. Every successful or disconnected Join must be
// paired with a Leave.
func (s *Socket) Join(ctx context.Context, topic string) error {
	t, err := websocket.ParseTopic(topic)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	name := t.String()

	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	s.refs[name]++
	if s.joined[name] {
		s.mu.Unlock()
		return nil
	}
	if s.conn == nil {
		s.mu.Unlock()
		return ErrTransportDisconnected
	}
	ack := s.waitLocked(name)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()

	msg := websocket.ClientMessage{Action: websocket.ActionJoin, Topics: []string{name}}
	if err := s.send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportDisconnected, err)
	}

	select {
	case err := <-ack:
		if err != nil && !errors.Is(err, ErrTransportDisconnected) {
			_ = s.release(context.Background(), name)
		}
		return err
	case <-ctx.Done():
		_ = s.release(context.Background(), name)
		return fmt.Errorf("join %s: %w", name, ctx.Err())
	case <-s.ctx.Done():
		return ErrSocketClosed
	}
}

// Leave drops one hold on topic. The last hold unsubscribes on the server.
func (s *Socket) Leave(ctx context.Context, topic string) error {
	t, err := websocket.ParseTopic(topic)
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	return s.release(ctx, t.String())
}

// Topics returns the held topics, sorted.
func (s *Socket) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.refs))
	for t := range s.refs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close disconnects and stops every goroutine. It must not be called from
// a handler.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.ready = false
		s.mu.Unlock()

		if conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteControl(gorillawebsocket.CloseMessage,
				gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			conn.Close()
		}
	})
	s.wg.Wait()
	return nil
}

func (s *Socket) closed() bool {
	return s.ctx.Err() != nil
}

func (s *Socket) release(ctx context.Context, name string) error {
	s.mu.Lock()
	n := s.refs[name]
	switch {
	case n == 0:
		s.mu.Unlock()
		return nil
	case n > 1:
		s.refs[name] = n - 1
		s.mu.Unlock()
		return nil
	}
	delete(s.refs, name)
	delete(s.joined, name)
	up := s.conn != nil
	s.mu.Unlock()

	if !up {
		return nil
	}
	return s.send(ctx, websocket.ClientMessage{Action: websocket.ActionLeave, Topics: []string{name}})
}

// waitLocked registers an acknowledgement waiter for topic.
func (s *Socket) waitLocked(topic string) chan error {
	ch := make(chan error, 1)
	s.waiters[topic] = append(s.waiters[topic], ch)
	return ch
}

func (s *Socket) send(ctx context.Context, msg websocket.ClientMessage) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrTransportDisconnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(gorillawebsocket.TextMessage, data)
}

func (s *Socket) dial(ctx context.Context) (*gorillawebsocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// attach installs conn and starts its reader. It refuses once the socket
// is closed.
func (s *Socket) attach(conn *gorillawebsocket.Conn) bool {
	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)
	return true
}

func (s *Socket) setReady() {
	s.mu.Lock()
	if s.ready || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.ready = true
	s.mu.Unlock()

	s.logger.Debug().Msg("sync channel connected")
	s.announce(true)
}

func (s *Socket) announce(connected bool) {
	s.mu.Lock()
	ids := make([]HandlerID, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(bool), len(ids))
	for i, id := range ids {
		fns[i] = s.listeners[id]
	}
	s.mu.Unlock()

	s.enqueue(func() {
		for _, fn := range fns {
			fn(connected)
		}
	})
}

func (s *Socket) enqueue(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Socket) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Socket) dispatch(ev Event) {
	s.mu.Lock()
	fns := make([]EventHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		if h.eventType == ev.Type || h.eventType == AnyEvent {
			fns = append(fns, h.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Socket) readLoop(conn *gorillawebsocket.Conn) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.lost(conn, err)
			return
		}
		s.handleFrame(data)
	}
}

func (s *Socket) handleFrame(data []byte) {
	var frame websocket.ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn().Err(err).Msg("malformed frame")
		return
	}

	if websocket.IsControlType(frame.Type) {
		s.control(frame)
		return
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn().Err(err).Str("event_type", frame.Type).Msg("malformed event")
		return
	}
	s.enqueue(func() { s.dispatch(ev) })
}

func (s *Socket) control(frame websocket.ControlFrame) {
	switch frame.Type {
	case websocket.ControlJoined:
		s.mu.Lock()
		if s.refs[frame.Topic] > 0 {
			s.joined[frame.Topic] = true
		}
		waiters := s.waiters[frame.Topic]
		delete(s.waiters, frame.Topic)
		s.mu.Unlock()
		for _, w := range waiters {
			w <- nil
		}
	case websocket.ControlError:
		s.logger.Warn().Str("topic", frame.Topic).Str("message", frame.Message).Msg("server rejected request")
		if frame.Topic == "" {
			return
		}
		s.mu.Lock()
		waiters := s.waiters[frame.Topic]
		delete(s.waiters, frame.Topic)
		s.mu.Unlock()
		for _, w := range waiters {
			w <- fmt.Errorf("join %s: %s", frame.Topic, frame.Message)
		}
	case websocket.ControlLeft:
		s.logger.Debug().Str("topic", frame.Topic).Msg("left topic")
	}
}

// lost tears down conn after a read failure and starts reconnecting.
func (s *Socket) lost(conn *gorillawebsocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	wasReady := s.ready
	s.ready = false
	s.joined = make(map[string]bool)
	waiters := s.waiters
	s.waiters = make(map[string][]chan error)
	s.mu.Unlock()

	conn.Close()
	for _, ws := range waiters {
		for _, w := range ws {
			w <- ErrTransportDisconnected
		}
	}
	if s.closed() {
		return
	}

	s.logger.Warn().Err(err).Msg("sync channel lost, reconnecting")
	if wasReady {
		s.announce(false)
	}
	s.wg.Add(1)
	go s.reconnect()
}

func (s *Socket) reconnect() {
	defer s.wg.Done()

	delay := s.cfg.ReconnectMin
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
		conn, err := s.dial(ctx)
		cancel()
		if err != nil {
			s.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect failed")
			delay *= 2
			if delay > s.cfg.ReconnectMax {
				delay = s.cfg.ReconnectMax
			}
			continue
		}

		if !s.attach(conn) {
			return
		}
		if err := s.rejoin(); err != nil {
			// The reader sees the close and starts another attempt.
			s.logger.Warn().Err(err).Msg("re-join failed")
			conn.Close()
			return
		}
		s.logger.Info().Int("attempt", attempt).Msg("sync channel reconnected")
		s.setReady()
		return
	}
}

// rejoin joins every held topic on a fresh connection and waits for all
// acknowledgements.
func (s *Socket) rejoin() error {
	s.mu.Lock()
	topics := make([]string, 0, len(s.refs))
	for t := range s.refs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	acks := make([]chan error, len(topics))
	for i, t := range topics {
		acks[i] = s.waitLocked(t)
	}
	s.mu.Unlock()

	if len(topics) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JoinTimeout)
	defer cancel()

	if err := s.send(ctx, websocket.ClientMessage{Action: websocket.ActionJoin, Topics: topics}); err != nil {
		return err
	}
	for i, ack := range acks {
		select {
		case err := <-ack:
			if err != nil {
				return fmt.Errorf("%s: %w", topics[i], err)
			}
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", topics[i], ctx.Err())
		case <-s.ctx.Done():
			return ErrSocketClosed
		}
	}
	return nil
}
