// Package client implements the TWS-side of the socket protocol: connection
// lifecycle, request encoding, message dispatch and the market data
// aggregation engine.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"twsflow/internal/ib"
	"twsflow/internal/wire"
	"twsflow/logger"
)

// DefaultWaitTimeout bounds synchronous request helpers such as
// GetContractDetails.
const DefaultWaitTimeout = 10 * time.Second

// Recorder persists the raw payload of every message crossing the
// connection, for later playback.
type Recorder interface {
	RecordSend(payload []byte) error
	RecordReceive(payload []byte) error
	Close() error
}

// Options configures a Client.
type Options struct {
	Host string
	Port int
	// ClientID identifies this API client to TWS. Negative means derive one
	// from the connection's local endpoint.
	ClientID int
	Engine   EngineSettings
	// EventBuffer is the capacity of the event channel. Events are dropped,
	// not blocked on, when the consumer falls behind.
	EventBuffer int
	// RequestsPerSecond throttles outbound requests; TWS disconnects
	// clients that exceed its message rate cap. Zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
	Recorder          Recorder
	DialTimeout       time.Duration
}

// Client is a connection to a TWS endpoint. All exported methods are safe
// for concurrent use.
type Client struct {
	opts Options
	log  *logger.Entry

	mu            sync.Mutex
	status        Status
	reconnecting  bool
	conn          net.Conn
	dec           *wire.Decoder
	rxBuf         bytes.Buffer
	serverVersion int
	serverTime    string
	clientID      int
	nextValidID   int
	orders        map[int]*ib.OrderRecord
	detailWaiters map[string]chan ib.ContractDetails
	recClosed     bool

	ctx    context.Context
	cancel context.CancelFunc

	engine  *Engine
	limiter *rate.Limiter
	events  chan Event
	dropped int64
}

// New builds a client. The connection is established by Connect.
func New(opts Options) *Client {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	c := &Client{
		opts:          opts,
		log:           logger.GetLogger().WithComponent("tws_client"),
		clientID:      -1,
		orders:        make(map[int]*ib.OrderRecord),
		detailWaiters: make(map[string]chan ib.ContractDetails),
		events:        make(chan Event, opts.EventBuffer),
	}
	if opts.ClientID >= 0 {
		c.clientID = opts.ClientID
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	c.engine = NewEngine(opts.Engine, c.publish)
	return c
}

// NewReplay builds a client detached from any transport, for feeding
// recorded payloads through DispatchPayload.
func NewReplay(engineCfg EngineSettings, eventBuffer int) *Client {
	c := New(Options{Engine: engineCfg, EventBuffer: eventBuffer})
	c.status = StatusConnected
	return c
}

// Events is the channel notifications are delivered on.
func (c *Client) Events() <-chan Event { return c.events }

// Engine exposes the aggregation engine for snapshot reads.
func (c *Client) Engine() *Engine { return c.engine }

// Status reports the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ServerVersion reports the version negotiated during the handshake.
func (c *Client) ServerVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// ServerTime reports the time string the server sent during the handshake.
func (c *Client) ServerTime() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverTime
}

// ClientID reports the identifier used during login, -1 before the first
// connect when it is endpoint-derived.
func (c *Client) ClientID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// NextValidID reports the last order id announced by the server.
func (c *Client) NextValidID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextValidID
}

// DroppedEvents counts notifications discarded because the event channel
// was full.
func (c *Client) DroppedEvents() int64 { return atomic.LoadInt64(&c.dropped) }

// Connect dials the endpoint and performs the version handshake. Connecting
// an already connected client fails with ErrAlreadyConnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		return ib.ErrAlreadyConnected
	}
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	addr := net.JoinHostPort(c.opts.Host, fmt.Sprintf("%d", c.opts.Port))
	c.setStatusLocked(StatusConnecting)

	d := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.setStatusLocked(StatusDisconnected)
		c.log.WithError(err).WithFields(logger.Fields{"addr": addr}).Error("dial failed")
		return ib.ErrConnectFail
	}
	c.conn = conn

	var r io.Reader = conn
	if c.opts.Recorder != nil {
		c.rxBuf.Reset()
		r = io.TeeReader(byteReader{conn}, &c.rxBuf)
	}
	c.dec = wire.NewDecoder(r)

	if err := c.handshakeLocked(); err != nil {
		conn.Close()
		c.conn = nil
		c.setStatusLocked(StatusDisconnected)
		return err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.setStatusLocked(StatusConnected)
	c.log.WithFields(logger.Fields{
		"addr":           addr,
		"server_version": c.serverVersion,
		"server_time":    c.serverTime,
		"client_id":      c.clientID,
	}).Info("connected")

	go c.readLoop(c.dec, conn)
	return nil
}

func (c *Client) handshakeLocked() error {
	if err := c.writeRawLocked(func(enc *wire.Encoder) {
		enc.Int(ib.ClientVersion)
	}); err != nil {
		return ib.ErrConnectFail
	}

	c.serverVersion = c.dec.Int()
	if c.serverVersion >= 20 {
		c.serverTime = c.dec.String()
	}
	if err := c.dec.Err(); err != nil {
		c.log.WithError(err).Error("handshake read failed")
		return ib.ErrConnectFail
	}
	c.commitReceiveLocked()

	if c.serverVersion >= 3 {
		if c.clientID < 0 {
			c.clientID = deriveClientID(c.conn.LocalAddr())
		}
		if err := c.writeRawLocked(func(enc *wire.Encoder) {
			enc.Int(c.clientID)
		}); err != nil {
			return ib.ErrConnectFail
		}
	}
	return nil
}

// writeRawLocked encodes a payload, writes it to the transport and records
// it. Used for the handshake and every request.
func (c *Client) writeRawLocked(build func(*wire.Encoder)) error {
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	build(enc)
	if err := enc.Err(); err != nil {
		return err
	}
	if c.conn == nil {
		return ib.ErrNotConnected
	}
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return err
	}
	logger.IncrementMessageSent(buf.Len())
	if c.opts.Recorder != nil {
		if err := c.opts.Recorder.RecordSend(buf.Bytes()); err != nil {
			c.log.WithError(err).Warn("failed to record outbound message")
		}
	}
	return nil
}

func (c *Client) commitReceiveLocked() {
	if c.opts.Recorder == nil || c.rxBuf.Len() == 0 {
		return
	}
	payload := append([]byte(nil), c.rxBuf.Bytes()...)
	c.rxBuf.Reset()
	if err := c.opts.Recorder.RecordReceive(payload); err != nil {
		c.log.WithError(err).Warn("failed to record inbound message")
	}
}

// Disconnect closes the connection and the recording log. It is a no-op on
// a client that is not connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected && c.status != StatusConnecting {
		return
	}
	c.teardownLocked()
}

func (c *Client) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.opts.Recorder != nil && !c.recClosed {
		c.recClosed = true
		if err := c.opts.Recorder.Close(); err != nil {
			c.log.WithError(err).Warn("failed to close recording log")
		}
	}
	c.setStatusLocked(StatusDisconnected)
	c.log.Info("disconnected")
}

// Reconnect tears down the transport and dials again with the same client
// id. Subscription records survive; re-subscribing is the caller's job.
// Valid only while connected.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected {
		return ib.ErrNotConnected
	}

	c.reconnecting = true
	defer func() { c.reconnecting = false }()

	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return c.connectLocked(ctx)
}

func (c *Client) readLoop(dec *wire.Decoder, conn net.Conn) {
	var consumed int64
	for c.processSingleMessage(dec) {
		logger.IncrementMessageReceived(int(dec.Consumed() - consumed))
		consumed = dec.Consumed()
		c.mu.Lock()
		c.commitReceiveLocked()
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A reconnect swapped the transport under us; the new reader owns it.
	if c.conn != conn {
		return
	}
	if c.status == StatusConnected {
		c.teardownLocked()
	}
}

// send encodes one request and writes it to the transport, reporting
// failures both as the returned error and as an ErrorEvent carrying the
// request-specific catalog code.
func (c *Client) send(id int, fail *ib.Error, build func(*wire.Encoder)) error {
	c.mu.Lock()
	ctx := c.ctx
	connected := c.status == StatusConnected && c.conn != nil
	c.mu.Unlock()

	if !connected {
		c.publish(ErrorEvent{RequestID: id, Error: ib.ErrNotConnected})
		return ib.ErrNotConnected
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return ib.ErrNotConnected
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected || c.conn == nil {
		c.publish(ErrorEvent{RequestID: id, Error: ib.ErrNotConnected})
		return ib.ErrNotConnected
	}
	if err := c.writeRawLocked(build); err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"req_id": id}).Error("request send failed")
		c.publish(ErrorEvent{RequestID: id, Error: fail})
		c.teardownLocked()
		return fail
	}
	return nil
}

// requireServerVersion rejects requests the negotiated server cannot
// understand before anything touches the wire.
func (c *Client) requireServerVersion(min int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverVersion < min {
		c.publish(ErrorEvent{RequestID: ib.NoValidID, Error: ib.ErrUpdateTWS})
		return ib.ErrUpdateTWS
	}
	return nil
}

func (c *Client) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	c.publish(StatusEvent{Status: s})
}

// publish delivers an event without ever blocking the reader. A full
// channel drops the event and counts it.
func (c *Client) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
		atomic.AddInt64(&c.dropped, 1)
		logger.IncrementEventsDropped()
		c.log.WithFields(logger.Fields{"event": fmt.Sprintf("%T", ev)}).Warn("event channel is full, dropping event")
	}
}

// DispatchPayload feeds one recorded message through the normal dispatch
// path. Used by playback.
func (c *Client) DispatchPayload(payload []byte) error {
	dec := wire.NewDecoder(bytes.NewReader(payload))
	c.processSingleMessage(dec)
	// A payload holds exactly one message, so even a clean EOF mid-decode
	// means the entry was truncated.
	return dec.Err()
}

// ApplyHandshake seeds the negotiated versions on a replay client.
func (c *Client) ApplyHandshake(serverVersion int, serverTime string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverVersion = serverVersion
	c.serverTime = serverTime
}

// RegisterSubscription records a market data subscription without touching
// the wire. Used by playback's loopback bookkeeping.
func (c *Client) RegisterSubscription(id int, contract *ib.Contract) {
	c.engine.Subscribe(id, contract)
}

// RemoveSubscription drops a subscription record without touching the wire.
func (c *Client) RemoveSubscription(id int) {
	c.engine.Unsubscribe(id)
}

// GetContractDetails performs a synchronous contract details lookup. It
// returns nil when no answer arrives within DefaultWaitTimeout.
func (c *Client) GetContractDetails(contract *ib.Contract) (*ib.ContractDetails, error) {
	key := contract.Key()
	ch := make(chan ib.ContractDetails, 1)

	c.mu.Lock()
	c.detailWaiters[key] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		if c.detailWaiters[key] == ch {
			delete(c.detailWaiters, key)
		}
		c.mu.Unlock()
	}

	if err := c.RequestContractDetails(contract); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case d := <-ch:
		cleanup()
		return &d, nil
	case <-time.After(DefaultWaitTimeout):
		cleanup()
		return nil, nil
	}
}

func (c *Client) resolveContractDetails(details ib.ContractDetails) {
	key := details.Summary.Key()
	c.mu.Lock()
	ch, ok := c.detailWaiters[key]
	if ok {
		delete(c.detailWaiters, key)
	}
	c.mu.Unlock()
	if ok {
		ch <- details
	}
}

// byteReader narrows reads to one byte so the decoder's buffering never
// runs past a message boundary while recording.
type byteReader struct{ r io.Reader }

func (b byteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return b.r.Read(p)
}

// deriveClientID builds a mostly-stable client id from the local endpoint,
// the way the terminal's own tools do. Falls back to a random id when the
// endpoint is not TCP.
func deriveClientID(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok && tcp != nil {
		ip := tcp.IP.To4()
		if ip != nil {
			return int(ip[3])<<16 | tcp.Port
		}
	}
	return rand.Intn(1 << 24)
}
