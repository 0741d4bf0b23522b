// Package server implements the TWS side of the socket protocol: a TCP
// listener that runs the login state machine and request dispatch for every
// peer. Market data, depth and contract details requests are decoded and
// handed to the application; everything else is consumed and surfaced
// through the catch-all hook.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"twsflow/internal/ib"
	"twsflow/internal/wire"
	"twsflow/logger"
)

// Handler receives decoded peer requests. Methods run on the peer's
// goroutine; responses go back through the Peer's Send methods.
type Handler interface {
	OnLogin(p *Peer)
	OnDisconnect(p *Peer)
	OnMarketDataRequest(p *Peer, tickerID int, contract *ib.Contract, genericTickList string)
	OnMarketDataCancel(p *Peer, tickerID int)
	OnMarketDepthRequest(p *Peer, tickerID int, contract *ib.Contract, numRows int)
	OnMarketDepthCancel(p *Peer, tickerID int)
	OnContractDetailsRequest(p *Peer, contract *ib.Contract)
	OnPlaceOrder(p *Peer, orderID int, contract *ib.Contract, order *ib.Order)
	OnCancelOrder(p *Peer, orderID int)
	OnCurrentTimeRequest(p *Peer)
	// OnRequest fires for every request the server consumes but does not
	// model explicitly.
	OnRequest(p *Peer, msg wire.OutgoingMessage)
}

// BaseHandler is a no-op Handler for embedding.
type BaseHandler struct{}

func (BaseHandler) OnLogin(*Peer)                                            {}
func (BaseHandler) OnDisconnect(*Peer)                                       {}
func (BaseHandler) OnMarketDataRequest(*Peer, int, *ib.Contract, string)     {}
func (BaseHandler) OnMarketDataCancel(*Peer, int)                            {}
func (BaseHandler) OnMarketDepthRequest(*Peer, int, *ib.Contract, int)       {}
func (BaseHandler) OnMarketDepthCancel(*Peer, int)                           {}
func (BaseHandler) OnContractDetailsRequest(*Peer, *ib.Contract)             {}
func (BaseHandler) OnPlaceOrder(*Peer, int, *ib.Contract, *ib.Order)         {}
func (BaseHandler) OnCancelOrder(*Peer, int)                                 {}
func (BaseHandler) OnCurrentTimeRequest(*Peer)                               {}
func (BaseHandler) OnRequest(*Peer, wire.OutgoingMessage)                    {}

// Server accepts API connections and runs one Peer per connection.
type Server struct {
	handler Handler
	log     *logger.Entry

	mu      sync.Mutex
	ln      net.Listener
	peers   map[*Peer]struct{}
	running bool
	wg      sync.WaitGroup
}

// New builds a server delivering requests to handler.
func New(handler Handler) *Server {
	if handler == nil {
		handler = BaseHandler{}
	}
	return &Server{
		handler: handler,
		log:     logger.GetLogger().WithComponent("tws_server"),
		peers:   make(map[*Peer]struct{}),
	}
}

// Start listens on addr and accepts peers until the context is cancelled or
// Stop is called.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.running = true
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{"addr": ln.Addr().String()}).Info("listening")

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	context.AfterFunc(ctx, s.Stop)
	return nil
}

// Addr reports the bound listen address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and every peer, then waits for their goroutines.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln := s.ln
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, p := range peers {
		p.close()
	}
	s.wg.Wait()
	s.log.Info("server stopped")
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.log.WithError(err).Error("accept failed")
			}
			return
		}

		p := newPeer(s, conn)
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.peers[p] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p.run()
			s.mu.Lock()
			delete(s.peers, p)
			s.mu.Unlock()
		}()
	}
}
