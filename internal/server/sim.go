package server

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"twsflow/internal/ib"
	"twsflow/logger"
)

// Simulator is a Handler that serves synthetic quotes: every market data
// subscription gets a random-walk stream seeded from the contract symbol,
// orders fill immediately. Useful for exercising clients without a live
// terminal.
type Simulator struct {
	BaseHandler
	log      *logger.Entry
	interval time.Duration

	mu          sync.Mutex
	streams     map[*Peer]map[int]chan struct{}
	nextOrderID int
}

// NewSimulator builds a simulator ticking each subscription at interval.
func NewSimulator(interval time.Duration) *Simulator {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Simulator{
		log:         logger.GetLogger().WithComponent("tws_sim"),
		interval:    interval,
		streams:     make(map[*Peer]map[int]chan struct{}),
		nextOrderID: 1,
	}
}

func (s *Simulator) OnLogin(p *Peer) {
	s.mu.Lock()
	orderID := s.nextOrderID
	s.mu.Unlock()

	p.SendNextValidID(orderID)
	p.SendManagedAccounts("SIM001")
	s.log.WithFields(logger.Fields{"client_id": p.ClientID()}).Info("simulated session started")
}

func (s *Simulator) OnDisconnect(p *Peer) {
	s.mu.Lock()
	for _, stop := range s.streams[p] {
		close(stop)
	}
	delete(s.streams, p)
	s.mu.Unlock()
}

func (s *Simulator) OnMarketDataRequest(p *Peer, tickerID int, contract *ib.Contract, genericTickList string) {
	stop := make(chan struct{})
	s.mu.Lock()
	if s.streams[p] == nil {
		s.streams[p] = make(map[int]chan struct{})
	}
	if old, ok := s.streams[p][tickerID]; ok {
		close(old)
	}
	s.streams[p][tickerID] = stop
	s.mu.Unlock()

	go s.stream(p, tickerID, contract, stop)
}

func (s *Simulator) OnMarketDataCancel(p *Peer, tickerID int) {
	s.mu.Lock()
	if stop, ok := s.streams[p][tickerID]; ok {
		close(stop)
		delete(s.streams[p], tickerID)
	}
	s.mu.Unlock()
}

func (s *Simulator) OnContractDetailsRequest(p *Peer, contract *ib.Contract) {
	details := &ib.ContractDetails{
		Summary:        *contract,
		MarketName:     contract.Symbol,
		TradingClass:   contract.Symbol,
		ConID:          int(basePrice(contract.Symbol) * 1000),
		MinTick:        0.01,
		Multiplier:     contract.Multiplier,
		OrderTypes:     "LMT,MKT,STP",
		ValidExchanges: "SMART",
	}
	if err := p.SendContractDetails(details); err != nil {
		s.log.WithError(err).Warn("failed to send simulated contract details")
	}
}

func (s *Simulator) OnPlaceOrder(p *Peer, orderID int, contract *ib.Contract, order *ib.Order) {
	s.mu.Lock()
	if orderID >= s.nextOrderID {
		s.nextOrderID = orderID + 1
	}
	s.mu.Unlock()

	price := order.LimitPrice
	if price == ib.UnsetFloat || price == 0 {
		price = basePrice(contract.Symbol)
	}
	p.SendOrderStatus(orderID, "Filled", order.TotalQuantity, 0, price, 0, 0, price, p.ClientID(), "")
}

func (s *Simulator) OnCancelOrder(p *Peer, orderID int) {
	p.SendOrderStatus(orderID, "Cancelled", 0, 0, 0, 0, 0, 0, p.ClientID(), "")
}

func (s *Simulator) OnCurrentTimeRequest(p *Peer) {
	p.SendCurrentTime(time.Now())
}

func (s *Simulator) stream(p *Peer, tickerID int, contract *ib.Contract, stop chan struct{}) {
	rng := rand.New(rand.NewSource(int64(hashSymbol(contract.Symbol))))
	mid := basePrice(contract.Symbol)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			mid += (rng.Float64() - 0.5) * mid * 0.001
			spread := mid * 0.0005
			bidSize := 100 + rng.Intn(900)
			askSize := 100 + rng.Intn(900)
			lastSize := 1 + rng.Intn(300)

			if err := p.SendTickPrice(tickerID, ib.TickBid, round2(mid-spread), bidSize, 1); err != nil {
				return
			}
			p.SendTickSize(tickerID, ib.TickBidSize, bidSize)
			p.SendTickPrice(tickerID, ib.TickAsk, round2(mid+spread), askSize, 1)
			p.SendTickSize(tickerID, ib.TickAskSize, askSize)
			p.SendTickPrice(tickerID, ib.TickLast, round2(mid), lastSize, 0)
			p.SendTickSize(tickerID, ib.TickLastSize, lastSize)
		}
	}
}

// basePrice derives a stable starting price from the symbol so runs are
// repeatable per instrument.
func basePrice(symbol string) float64 {
	return 20 + float64(hashSymbol(symbol)%9800)/100
}

func hashSymbol(symbol string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return h.Sum32()
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
