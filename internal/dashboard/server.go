// Package dashboard hosts a small HTTP server that exposes the aggregation
// engine's live snapshots, both as a JSON endpoint and as a websocket stream
// pushed on every refresh interval.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"twsflow/config"
	"twsflow/internal/client"
	"twsflow/logger"
)

// Server hosts the monitoring endpoints for a running client.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	engine     *client.Engine
	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// snapshotPayload is the JSON shape served for one subscription.
type snapshotPayload struct {
	RequestID int     `json:"request_id"`
	Symbol    string  `json:"symbol"`
	SecType   string  `json:"sec_type"`
	Exchange  string  `json:"exchange"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	BidSize   int     `json:"bid_size"`
	AskSize   int     `json:"ask_size"`
	LastSize  int     `json:"last_size"`
	Volume    int     `json:"volume"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	LastTime  string  `json:"last_time,omitempty"`
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, engine *client.Engine) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	return &Server{
		cfg:    cfg,
		log:    log,
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}, nil
}

// Run starts the dashboard HTTP server and blocks until the provided context
// is cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/snapshots", s.handleSnapshots)
	mux.HandleFunc("/ws", s.handleWebsocket)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: mux,
	}

	go s.broadcastLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"addr": s.cfg.Address}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeConns()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"snapshots": s.snapshots()}); err != nil {
		s.log.WithComponent("dashboard").WithError(err).Warn("failed to encode snapshots")
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithComponent("dashboard").WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	// Drain the read side so close frames are processed; the stream is
	// one-way from our end.
	go func() {
		defer s.dropConn(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast()
		}
	}
}

func (s *Server) broadcast() {
	payload, err := json.Marshal(map[string]any{"snapshots": s.snapshots()})
	if err != nil {
		return
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.dropConn(c)
		}
	}
	logger.RecordChannelMessage("dashboard_broadcast", len(payload)*len(conns))
}

func (s *Server) snapshots() []snapshotPayload {
	subs := s.engine.Subscriptions()
	payload := make([]snapshotPayload, 0, len(subs))
	for id := range subs {
		snap, ok := s.engine.Snapshot(id)
		if !ok || snap.Contract == nil {
			continue
		}
		p := snapshotPayload{
			RequestID: id,
			Symbol:    snap.Contract.Symbol,
			SecType:   string(snap.Contract.SecType),
			Exchange:  snap.Contract.Exchange,
			Bid:       snap.Bid,
			Ask:       snap.Ask,
			Last:      snap.Last,
			BidSize:   snap.BidSize,
			AskSize:   snap.AskSize,
			LastSize:  snap.LastSize,
			Volume:    snap.Volume,
			High:      snap.High,
			Low:       snap.Low,
		}
		if !snap.LastTime.IsZero() {
			p.LastTime = snap.LastTime.UTC().Format(time.RFC3339Nano)
		}
		payload = append(payload, p)
	}
	return payload
}

func (s *Server) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
