package server

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"twsflow/internal/client"
	"twsflow/internal/ib"
	"twsflow/internal/wire"
)

// captureHandler records login peers and decoded requests so tests can
// assert on what the server delivered.
type captureHandler struct {
	BaseHandler
	peers   chan *Peer
	mdReqs  chan int
	cancels chan int
	ticks   bool
}

func newCaptureHandler(ticks bool) *captureHandler {
	return &captureHandler{
		peers:   make(chan *Peer, 4),
		mdReqs:  make(chan int, 4),
		cancels: make(chan int, 4),
		ticks:   ticks,
	}
}

func (h *captureHandler) OnLogin(p *Peer) {
	h.peers <- p
}

func (h *captureHandler) OnMarketDataRequest(p *Peer, tickerID int, contract *ib.Contract, genericTickList string) {
	if h.ticks {
		p.SendTickPrice(tickerID, ib.TickLast, 101.5, 200, 1)
		p.SendTickSize(tickerID, ib.TickLastSize, 200)
		p.SendTickSize(tickerID, ib.TickBidSize, 500)
	}
	h.mdReqs <- tickerID
}

func (h *captureHandler) OnMarketDataCancel(p *Peer, tickerID int) {
	h.cancels <- tickerID
}

func startServer(t *testing.T, h Handler) *Server {
	t.Helper()
	srv := New(h)
	if err := srv.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func serverPort(t *testing.T, srv *Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatalf("split listen address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func connectClient(t *testing.T, srv *Server, clientID int) *client.Client {
	t.Helper()
	c := client.New(client.Options{
		Host:        "127.0.0.1",
		Port:        serverPort(t, srv),
		ClientID:    clientID,
		Engine:      client.DefaultEngineSettings(),
		EventBuffer: 64,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

// waitEvent drains the client's event channel until match accepts one.
func waitEvent(t *testing.T, c *client.Client, match func(client.Event) bool) client.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("expected event never arrived")
			return nil
		}
	}
}

func waitPeer(t *testing.T, h *captureHandler) *Peer {
	t.Helper()
	select {
	case p := <-h.peers:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no peer logged in")
		return nil
	}
}

func TestLoginExchangesVersions(t *testing.T) {
	h := newCaptureHandler(false)
	srv := startServer(t, h)
	c := connectClient(t, srv, 7)

	if c.ServerVersion() != ib.ServerVersion {
		t.Fatalf("server version = %d, want %d", c.ServerVersion(), ib.ServerVersion)
	}
	if !strings.HasSuffix(c.ServerTime(), " GMT") {
		t.Fatalf("server time %q missing GMT suffix", c.ServerTime())
	}

	p := waitPeer(t, h)
	if p.ClientVersion() != ib.ClientVersion {
		t.Fatalf("client version = %d, want %d", p.ClientVersion(), ib.ClientVersion)
	}
	if p.ClientID() != 7 {
		t.Fatalf("client id = %d, want 7", p.ClientID())
	}
}

func TestMarketDataRoundTrip(t *testing.T) {
	h := newCaptureHandler(true)
	srv := startServer(t, h)
	c := connectClient(t, srv, 1)
	p := waitPeer(t, h)

	contract := &ib.Contract{Symbol: "AAPL", SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"}
	if err := c.RequestMarketData(3, contract, ""); err != nil {
		t.Fatalf("request market data: %v", err)
	}

	select {
	case id := <-h.mdReqs:
		if id != 3 {
			t.Fatalf("ticker id = %d, want 3", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("market data request never reached the handler")
	}

	subs := p.Subscriptions()
	if got := subs[3]; got == nil || got.Symbol != "AAPL" || got.SecType != ib.SecTypeStock {
		t.Fatalf("peer bookkeeping wrong: %+v", subs)
	}

	waitEvent(t, c, func(ev client.Event) bool {
		md, ok := ev.(client.MarketDataEvent)
		return ok && md.RequestID == 3 && md.Snapshot.Last == 101.5
	})
	waitEvent(t, c, func(ev client.Event) bool {
		md, ok := ev.(client.MarketDataEvent)
		return ok && md.RequestID == 3 && md.Snapshot.BidSize == 500
	})

	snap, ok := c.Engine().Snapshot(3)
	if !ok || snap.Last != 101.5 || snap.LastSize != 200 || snap.BidSize != 500 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestMarketDataCancelClearsBookkeeping(t *testing.T) {
	h := newCaptureHandler(false)
	srv := startServer(t, h)
	c := connectClient(t, srv, 1)
	p := waitPeer(t, h)

	contract := &ib.Contract{Symbol: "IBM", SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"}
	if err := c.RequestMarketData(5, contract, ""); err != nil {
		t.Fatalf("request market data: %v", err)
	}
	<-h.mdReqs

	if err := c.CancelMarketData(5); err != nil {
		t.Fatalf("cancel market data: %v", err)
	}
	select {
	case id := <-h.cancels:
		if id != 5 {
			t.Fatalf("cancelled ticker id = %d, want 5", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel never reached the handler")
	}
	if subs := p.Subscriptions(); len(subs) != 0 {
		t.Fatalf("subscriptions not cleared: %+v", subs)
	}
	if _, ok := c.Engine().Snapshot(5); ok {
		t.Fatal("client kept the snapshot after cancel")
	}
}

func TestSimulatorContractDetails(t *testing.T) {
	srv := startServer(t, NewSimulator(time.Hour))
	c := connectClient(t, srv, 1)

	contract := &ib.Contract{Symbol: "MSFT", SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"}
	details, err := c.GetContractDetails(contract)
	if err != nil {
		t.Fatalf("get contract details: %v", err)
	}
	if details == nil {
		t.Fatal("no contract details answer")
	}
	if details.Summary.Symbol != "MSFT" || details.MinTick != 0.01 {
		t.Fatalf("unexpected details: %+v", details)
	}
	if details.ValidExchanges != "SMART" {
		t.Fatalf("valid exchanges = %q", details.ValidExchanges)
	}
}

func TestSimulatorOrderLifecycle(t *testing.T) {
	srv := startServer(t, NewSimulator(time.Hour))
	c := connectClient(t, srv, 2)

	waitEvent(t, c, func(ev client.Event) bool {
		_, ok := ev.(client.NextValidIDEvent)
		return ok
	})
	orderID := c.NextValidID()

	contract := &ib.Contract{Symbol: "AAPL", SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"}
	order := ib.NewOrder()
	order.Action = ib.ActionBuy
	order.OrderType = ib.OrderTypeLimit
	order.TotalQuantity = 100
	order.LimitPrice = 55.25

	if err := c.PlaceOrder(orderID, contract, order); err != nil {
		t.Fatalf("place order: %v", err)
	}
	ev := waitEvent(t, c, func(ev client.Event) bool {
		os, ok := ev.(client.OrderStatusEvent)
		return ok && os.OrderID == orderID
	}).(client.OrderStatusEvent)
	if ev.Status != "Filled" || ev.Filled != 100 || ev.AvgFillPrice != 55.25 {
		t.Fatalf("unexpected fill: %+v", ev)
	}

	if err := c.CancelOrder(orderID); err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	waitEvent(t, c, func(ev client.Event) bool {
		os, ok := ev.(client.OrderStatusEvent)
		return ok && os.OrderID == orderID && os.Status == "Cancelled"
	})
}

func TestSimulatorCurrentTime(t *testing.T) {
	srv := startServer(t, NewSimulator(time.Hour))
	c := connectClient(t, srv, 1)

	before := time.Now().Add(-time.Minute)
	if err := c.RequestCurrentTime(); err != nil {
		t.Fatalf("request current time: %v", err)
	}
	ev := waitEvent(t, c, func(ev client.Event) bool {
		_, ok := ev.(client.CurrentTimeEvent)
		return ok
	}).(client.CurrentTimeEvent)
	if ev.Time.Before(before) || ev.Time.After(time.Now().Add(time.Minute)) {
		t.Fatalf("implausible server time: %v", ev.Time)
	}
}

func TestSimulatorStreamsTicks(t *testing.T) {
	srv := startServer(t, NewSimulator(10*time.Millisecond))
	c := connectClient(t, srv, 1)

	contract := &ib.Contract{Symbol: "GOOG", SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"}
	if err := c.RequestMarketData(1, contract, ""); err != nil {
		t.Fatalf("request market data: %v", err)
	}

	waitEvent(t, c, func(ev client.Event) bool {
		md, ok := ev.(client.MarketDataEvent)
		return ok && md.RequestID == 1 && md.Snapshot.Bid > 0 && md.Snapshot.Ask > md.Snapshot.Bid
	})
}

// A request code the server does not know poisons the stream and must drop
// the connection after an error reply.
func TestUnknownRequestDropsPeer(t *testing.T) {
	h := newCaptureHandler(false)
	srv := startServer(t, h)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	enc := wire.NewEncoder(conn)
	dec := wire.NewDecoder(conn)

	enc.Int(ib.ClientVersion)
	if dec.Int() != ib.ServerVersion {
		t.Fatalf("handshake failed: %v", dec.Err())
	}
	_ = dec.String() // server time
	enc.Int(99)  // client id
	waitPeer(t, h)

	enc.Int(99999)
	enc.Int(1)

	if got := dec.Incoming(); got != wire.InErrorMessage {
		t.Fatalf("expected an error reply, got message %d (err %v)", int(got), dec.Err())
	}
	dec.Int() // message version
	dec.Int() // request id
	if code := dec.Int(); code != ib.ErrUnknownID.Code {
		t.Fatalf("error code = %d, want %d", code, ib.ErrUnknownID.Code)
	}
	_ = dec.String() // message text

	// The server closes the connection after the reply.
	_ = dec.String()
	if dec.Err() == nil {
		t.Fatal("connection still open after unknown request")
	}
}

func TestReconnectKeepsIdentity(t *testing.T) {
	h := newCaptureHandler(false)
	srv := startServer(t, h)
	c := connectClient(t, srv, 11)
	waitPeer(t, h)

	contract := &ib.Contract{Symbol: "AAPL", SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"}
	if err := c.RequestMarketData(1, contract, ""); err != nil {
		t.Fatalf("request market data: %v", err)
	}
	<-h.mdReqs

	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	p := waitPeer(t, h)
	if p.ClientID() != 11 {
		t.Fatalf("client id after reconnect = %d, want 11", p.ClientID())
	}
	if c.ServerVersion() != ib.ServerVersion {
		t.Fatalf("server version after reconnect = %d", c.ServerVersion())
	}

	// Subscription records survive the transport swap; re-subscribing on the
	// wire is the caller's job.
	if snap, ok := c.Engine().Snapshot(1); !ok || snap.Contract.Symbol != "AAPL" {
		t.Fatal("subscription record lost across reconnect")
	}
}
