// Package relaytransport implements RelayTransport (spec.md §4.5): the
// persistent, encrypted, bidirectional message channel bound to one
// (group_id, protocol) run. Adapted from the teacher's channel-based
// session plumbing (the outCh/endCh/errCh shape in
// internal/signing/signing.go) applied to a websocket connect/send/
// receive goroutine instead of an in-process round generator.
package relaytransport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/collider/dkls-engine/internal/crypto"
	"github.com/collider/dkls-engine/internal/engineerr"
	"github.com/collider/dkls-engine/internal/eventbus"
	"github.com/collider/dkls-engine/internal/types"
	"github.com/collider/dkls-engine/internal/wire"
)

// State is one node of the connection state machine (spec.md §4.5).
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Open         State = "open"
)

const (
	connectTimeout = 10 * time.Second
	queueCap       = 100
)

// Dialer is the subset of *websocket.Dialer Transport needs, so tests
// can substitute a fake without opening a real socket.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (Conn, *http.Response, error)
}

// Conn is the subset of *websocket.Conn Transport uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type gorillaDialer struct {
	dialer *websocket.Dialer
}

func (d gorillaDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, *http.Response, error) {
	conn, resp, err := d.dialer.DialContext(ctx, urlStr, header)
	if conn == nil {
		return nil, resp, err
	}
	return conn, resp, err
}

// Transport is a single (group_id, protocol) connection to the relay.
type Transport struct {
	dialer Dialer
	bus    *eventbus.Bus
	logger *zap.Logger
	env    *crypto.TransportEnvelope

	mu         sync.Mutex
	state      State
	conn       Conn
	ownPartyID types.PartyID
	queue      []types.ProtocolMessage
	onMessage  func(types.ProtocolMessage)
	readDone   chan struct{}
}

// New builds a Disconnected Transport. bus receives Connected/
// Disconnected lifecycle events; logger may be nil.
func New(bus *eventbus.Bus, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		dialer: gorillaDialer{dialer: &websocket.Dialer{HandshakeTimeout: connectTimeout}},
		bus:    bus,
		logger: logger,
		env:    crypto.NewTransportEnvelope(),
		state:  Disconnected,
	}
}

// SetKey installs the fixed transport encryption key for this
// connection's lifetime.
func (t *Transport) SetKey(key []byte) error {
	return t.env.SetKey(key)
}

// SetOwnPartyID installs this party's id, used for loop prevention and
// the should_encrypt predicate.
func (t *Transport) SetOwnPartyID(id types.PartyID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ownPartyID = id
}

// OnMessage installs the callback invoked for every inbound,
// validated, non-looped, decrypted message. Must be set before
// Connect to avoid missing early frames.
func (t *Transport) OnMessage(fn func(types.ProtocolMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials `<wsBaseURL>/ws/{group_id}/{protocol}?token={apiKey}`
// with a 10-second timeout (spec.md §4.5, §5). On success the queue
// is flushed in FIFO order and a read loop starts; on failure or
// timeout the state returns to Disconnected.
func (t *Transport) Connect(ctx context.Context, wsBaseURL string, groupID types.GroupID, protocol types.Protocol, apiKey string) error {
	t.mu.Lock()
	if t.state != Disconnected {
		t.mu.Unlock()
		return engineerr.New(engineerr.Fatal, "connect called while not disconnected")
	}
	t.state = Connecting
	t.mu.Unlock()

	target := fmt.Sprintf("%s/ws/%s/%s?token=%s", wsBaseURL, groupID, protocol, url.QueryEscape(apiKey))

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := t.dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		t.mu.Lock()
		t.state = Disconnected
		t.mu.Unlock()
		return engineerr.Wrap(engineerr.Network, "failed to connect to relay", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.state = Open
	t.readDone = make(chan struct{})
	queued := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, msg := range queued {
		if err := t.writeFrame(msg); err != nil {
			t.logger.Warn("relaytransport: failed to flush queued message", zap.Error(err))
		}
	}

	t.logger.Info("relaytransport: connected", zap.String("group_id", string(groupID)), zap.String("protocol", string(protocol)))
	if t.bus != nil {
		t.bus.Emit(eventbus.Connected, nil)
	}

	go t.readLoop()
	return nil
}

// shouldEncrypt implements spec.md §4.5's predicate:
// key_set ∧ from_id ≠ SERVER_ID ∧ ¬(content == "DONE" ∧ to_id == SERVER_ID).
func (t *Transport) shouldEncrypt(msg types.ProtocolMessage) bool {
	if !t.env.HasKey() {
		return false
	}
	if msg.FromID.IsServer() {
		return false
	}
	if msg.Content == "DONE" && msg.ToID == types.ServerID {
		return false
	}
	return true
}

// Send shallow-copies msg, encrypts its content when should_encrypt
// holds, and either writes it immediately (Open) or appends it to the
// bounded FIFO send queue (cap 100, oldest-drop on overflow).
func (t *Transport) Send(msg types.ProtocolMessage) error {
	out := msg.Clone()

	if t.shouldEncrypt(out) {
		ciphertext, err := t.env.Encrypt(out.Content)
		if err != nil {
			return err
		}
		out.Content = ciphertext
	}

	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if state == Open {
		if err := t.writeFrame(out); err != nil {
			t.logger.Warn("relaytransport: send failed, queueing and disconnecting", zap.Error(err))
			t.enqueue(out)
			t.transitionDisconnected()
		}
		return nil
	}

	t.enqueue(out)
	return nil
}

func (t *Transport) writeFrame(msg types.ProtocolMessage) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return engineerr.New(engineerr.Network, "no active connection")
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return engineerr.Wrap(engineerr.Network, "write failed", err)
	}
	return nil
}

func (t *Transport) enqueue(msg types.ProtocolMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) >= queueCap {
		t.logger.Warn("relaytransport: send queue overflow, dropping oldest message")
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, msg)
}

func (t *Transport) readLoop() {
	t.mu.Lock()
	conn := t.conn
	done := t.readDone
	t.mu.Unlock()

	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.logger.Info("relaytransport: read loop ended", zap.Error(err))
			t.transitionDisconnected()
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			t.logger.Warn("relaytransport: dropping malformed frame", zap.Error(err))
			continue
		}

		t.mu.Lock()
		own := t.ownPartyID
		t.mu.Unlock()
		if own != "" && msg.FromID == own {
			continue // loop prevention
		}

		if t.shouldEncrypt(msg) {
			plaintext, err := t.env.Decrypt(msg.Content)
			if err != nil {
				t.logger.Warn("relaytransport: dropping undecryptable frame", zap.Error(err))
				continue
			}
			msg.Content = plaintext
		}

		t.mu.Lock()
		handler := t.onMessage
		t.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (t *Transport) transitionDisconnected() {
	t.mu.Lock()
	if t.state == Disconnected {
		t.mu.Unlock()
		return
	}
	t.state = Disconnected
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if t.bus != nil {
		t.bus.Emit(eventbus.Disconnected, nil)
	}
}

// Disconnect is idempotent: it nulls the message listener, closes the
// connection with normal-closure code 1000, empties the send queue,
// and clears connection parameters. No automatic reconnection is
// attempted.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.state == Disconnected {
		t.queue = nil
		t.onMessage = nil
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.conn = nil
	t.state = Disconnected
	t.queue = nil
	t.onMessage = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	if t.bus != nil {
		t.bus.Emit(eventbus.Disconnected, nil)
	}
}
