package server

import (
	"bytes"
	"net"
	"sync"
	"time"

	"twsflow/internal/ib"
	"twsflow/internal/wire"
	"twsflow/logger"
)

// Peer is one API client connection. Until the login exchange completes no
// request is accepted.
type Peer struct {
	srv  *Server
	conn net.Conn
	dec  *wire.Decoder
	log  *logger.Entry

	mu            sync.Mutex
	clientVersion int
	clientID      int
	loggedIn      bool
	subs          map[int]*ib.Contract
	depthSubs     map[int]*ib.Contract
}

func newPeer(s *Server, conn net.Conn) *Peer {
	return &Peer{
		srv:       s,
		conn:      conn,
		dec:       wire.NewDecoder(conn),
		log:       s.log.WithFields(logger.Fields{"peer": conn.RemoteAddr().String()}),
		subs:      make(map[int]*ib.Contract),
		depthSubs: make(map[int]*ib.Contract),
	}
}

// ClientVersion reports the version the peer announced at login.
func (p *Peer) ClientVersion() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientVersion
}

// ClientID reports the identifier the peer logged in with.
func (p *Peer) ClientID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

// Subscriptions returns the peer's active market data subscriptions.
func (p *Peer) Subscriptions() map[int]*ib.Contract {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]*ib.Contract, len(p.subs))
	for id, c := range p.subs {
		out[id] = c
	}
	return out
}

func (p *Peer) close() {
	p.conn.Close()
}

func (p *Peer) run() {
	defer p.conn.Close()

	if !p.processLogin() {
		p.log.Warn("login failed, dropping peer")
		return
	}
	p.srv.handler.OnLogin(p)

	for p.processRequest() {
	}
	p.srv.handler.OnDisconnect(p)
	p.log.Info("peer disconnected")
}

func (p *Peer) processLogin() bool {
	clientVersion := p.dec.Int()
	if p.dec.Err() != nil {
		return false
	}

	err := p.write(func(enc *wire.Encoder) {
		enc.Int(ib.ServerVersion)
		enc.String(time.Now().UTC().Format(ib.FullDateTimeFormat) + " GMT")
	})
	if err != nil {
		return false
	}

	clientID := p.dec.Int()
	if p.dec.Err() != nil {
		return false
	}

	p.mu.Lock()
	p.clientVersion = clientVersion
	p.clientID = clientID
	p.loggedIn = true
	p.mu.Unlock()

	p.log.WithFields(logger.Fields{
		"client_version": clientVersion,
		"client_id":      clientID,
	}).Info("peer logged in")
	return true
}

func (p *Peer) processRequest() bool {
	msg := p.dec.Outgoing()
	if p.dec.Err() != nil {
		return false
	}
	if msg == wire.OutUnknown {
		p.log.Warn("unknown request code, dropping peer")
		p.SendError(ib.NoValidID, ib.ErrUnknownID)
		return false
	}

	switch msg {
	case wire.OutRequestMarketData:
		p.handleMarketDataRequest()
	case wire.OutCancelMarketData:
		p.handleMarketDataCancel()
	case wire.OutRequestMarketDepth:
		p.handleMarketDepthRequest()
	case wire.OutCancelMarketDepth:
		p.handleMarketDepthCancel()
	case wire.OutRequestContractData:
		p.handleContractDetailsRequest()
	case wire.OutPlaceOrder:
		p.handlePlaceOrder()
	case wire.OutCancelOrder:
		p.handleCancelOrder()
	case wire.OutRequestCurrentTime:
		p.dec.Int() // version
		p.srv.handler.OnCurrentTimeRequest(p)
	case wire.OutRequestOpenOrders, wire.OutRequestAllOpenOrders, wire.OutRequestManagedAccounts,
		wire.OutRequestScannerParameters, wire.OutCancelNewsBulletins:
		p.dec.Int() // version
		p.srv.handler.OnRequest(p, msg)
	case wire.OutRequestAutoOpenOrders, wire.OutRequestNewsBulletins:
		p.dec.Int() // version
		p.dec.Bool()
		p.srv.handler.OnRequest(p, msg)
	case wire.OutRequestIDs, wire.OutSetServerLogLevel, wire.OutCancelHistoricalData,
		wire.OutCancelScannerSubscription, wire.OutCancelRealTimeBars, wire.OutRequestFA:
		p.dec.Int() // version
		p.dec.Int()
		p.srv.handler.OnRequest(p, msg)
	case wire.OutReplaceFA:
		p.dec.Int() // version
		p.dec.Int()
		_ = p.dec.String()
		p.srv.handler.OnRequest(p, msg)
	case wire.OutRequestAccountData:
		p.dec.Int() // version
		p.dec.Bool()
		_ = p.dec.String()
		p.srv.handler.OnRequest(p, msg)
	case wire.OutRequestExecutions:
		p.dec.Int() // version
		p.dec.Int()
		_ = p.dec.String()
		_ = p.dec.String()
		_ = p.dec.String()
		_ = p.dec.String()
		_ = p.dec.String()
		_ = p.dec.String()
		p.srv.handler.OnRequest(p, msg)
	case wire.OutRequestHistoricalData:
		p.handleHistoricalDataRequest()
	case wire.OutRequestRealTimeBars:
		p.handleRealTimeBarsRequest()
	case wire.OutExerciseOptions:
		p.handleExerciseOptions()
	default:
		// Requests this server cannot even decode poison the stream.
		p.log.WithFields(logger.Fields{"message": int(msg)}).Warn("unsupported request, dropping peer")
		p.SendError(ib.NoValidID, ib.ErrUnknownID)
		return false
	}

	if err := p.dec.Err(); err != nil {
		p.log.WithError(err).WithFields(logger.Fields{"message": int(msg)}).Warn("request decode failed")
		return false
	}
	return true
}

// decodeContract reads the contract block shared by market data, depth and
// contract details requests. The flags select the fields the particular
// request carries.
func (p *Peer) decodeContract(primaryExchange, localSymbol bool) *ib.Contract {
	c := &ib.Contract{}
	c.Symbol = p.dec.String()
	c.SecType = ib.SecType(p.dec.String())
	c.Expiry = p.dec.String()
	c.Strike = p.dec.Float()
	c.Right = p.dec.String()
	c.Multiplier = p.dec.String()
	c.Exchange = p.dec.String()
	if primaryExchange {
		c.PrimaryExchange = p.dec.String()
	}
	c.Currency = p.dec.String()
	if localSymbol {
		c.LocalSymbol = p.dec.String()
	}
	return c
}

func (p *Peer) decodeComboLegs(withOpenClose bool) []ib.ComboLeg {
	n := p.dec.Int()
	legs := make([]ib.ComboLeg, 0, n)
	for i := 0; i < n; i++ {
		leg := ib.ComboLeg{}
		leg.ConID = p.dec.Int()
		leg.Ratio = p.dec.Int()
		leg.Action = ib.Action(p.dec.String())
		leg.Exchange = p.dec.String()
		if withOpenClose {
			leg.OpenClose = p.dec.Int()
		}
		legs = append(legs, leg)
	}
	return legs
}

func (p *Peer) handleMarketDataRequest() {
	p.dec.Int() // request version
	tickerID := p.dec.Int()
	contract := p.decodeContract(true, true)
	if contract.SecType == ib.SecTypeBag {
		contract.ComboLegs = p.decodeComboLegs(false)
	}
	genericTickList := p.dec.String()
	if p.dec.Err() != nil {
		return
	}

	p.mu.Lock()
	p.subs[tickerID] = contract
	p.mu.Unlock()
	p.srv.handler.OnMarketDataRequest(p, tickerID, contract, genericTickList)
}

func (p *Peer) handleMarketDataCancel() {
	p.dec.Int() // request version
	tickerID := p.dec.Int()
	if p.dec.Err() != nil {
		return
	}

	p.mu.Lock()
	delete(p.subs, tickerID)
	p.mu.Unlock()
	p.srv.handler.OnMarketDataCancel(p, tickerID)
}

func (p *Peer) handleMarketDepthRequest() {
	p.dec.Int() // request version
	tickerID := p.dec.Int()
	contract := p.decodeContract(false, true)
	numRows := p.dec.Int()
	if p.dec.Err() != nil {
		return
	}

	p.mu.Lock()
	p.depthSubs[tickerID] = contract
	p.mu.Unlock()
	p.srv.handler.OnMarketDepthRequest(p, tickerID, contract, numRows)
}

func (p *Peer) handleMarketDepthCancel() {
	p.dec.Int() // request version
	tickerID := p.dec.Int()
	if p.dec.Err() != nil {
		return
	}

	p.mu.Lock()
	delete(p.depthSubs, tickerID)
	p.mu.Unlock()
	p.srv.handler.OnMarketDepthCancel(p, tickerID)
}

func (p *Peer) handleContractDetailsRequest() {
	p.dec.Int() // request version
	contract := p.decodeContract(false, true)
	contract.IncludeExpired = p.dec.Bool()
	if p.dec.Err() != nil {
		return
	}
	p.srv.handler.OnContractDetailsRequest(p, contract)
}

func (p *Peer) handlePlaceOrder() {
	p.dec.Int() // request version
	orderID := p.dec.Int()
	contract := p.decodeContract(true, true)

	order := ib.NewOrder()
	order.OrderID = orderID
	order.Action = ib.Action(p.dec.String())
	order.TotalQuantity = p.dec.Int()
	order.OrderType = ib.OrderType(p.dec.String())
	order.LimitPrice = p.dec.Float()
	order.AuxPrice = p.dec.Float()

	order.TIF = ib.TimeInForce(p.dec.String())
	order.OCAGroup = p.dec.String()
	order.Account = p.dec.String()
	order.OpenClose = p.dec.String()
	order.Origin = p.dec.Int()
	order.OrderRef = p.dec.String()
	order.Transmit = p.dec.Bool()
	order.ParentID = p.dec.Int()
	order.BlockOrder = p.dec.Bool()
	order.SweepToFill = p.dec.Bool()
	order.DisplaySize = p.dec.Int()
	order.TriggerMethod = p.dec.Int()
	order.IgnoreRTH = p.dec.Bool()
	order.Hidden = p.dec.Bool()
	if contract.SecType == ib.SecTypeBag {
		contract.ComboLegs = p.decodeComboLegs(true)
	}
	order.SharesAllocation = p.dec.String()
	order.DiscretionaryAmt = p.dec.Float()
	order.GoodAfterTime = p.dec.String()
	order.GoodTillDate = p.dec.String()
	order.FAGroup = p.dec.String()
	order.FAMethod = p.dec.String()
	order.FAPercentage = p.dec.String()
	order.FAProfile = p.dec.String()
	order.ShortSaleSlot = p.dec.Int()
	order.DesignatedLocation = p.dec.String()
	order.OCAType = p.dec.Int()
	order.RTHOnly = p.dec.Bool()
	order.Rule80A = p.dec.String()
	order.SettlingFirm = p.dec.String()
	order.AllOrNone = p.dec.Bool()
	order.MinQty = p.dec.IntMax()
	order.PercentOffset = p.dec.FloatMax()
	order.ETradeOnly = p.dec.Bool()
	order.FirmQuoteOnly = p.dec.Bool()
	order.NBBOPriceCap = p.dec.FloatMax()
	order.AuctionStrategy = p.dec.IntMax()
	order.StartingPrice = p.dec.FloatMax()
	order.StockRefPrice = p.dec.FloatMax()
	order.Delta = p.dec.FloatMax()
	order.StockRangeLower = p.dec.FloatMax()
	order.StockRangeUpper = p.dec.FloatMax()
	order.OverridePercentageConstraints = p.dec.Bool()
	order.Volatility = p.dec.FloatMax()
	order.VolatilityType = p.dec.IntMax()
	order.DeltaNeutralOrderType = ib.OrderType(p.dec.String())
	order.DeltaNeutralAuxPrice = p.dec.FloatMax()
	order.ContinuousUpdate = p.dec.Int()
	order.ReferencePriceType = p.dec.IntMax()
	if p.dec.Err() != nil {
		return
	}
	p.srv.handler.OnPlaceOrder(p, orderID, contract, order)
}

func (p *Peer) handleCancelOrder() {
	p.dec.Int() // request version
	orderID := p.dec.Int()
	if p.dec.Err() != nil {
		return
	}
	p.srv.handler.OnCancelOrder(p, orderID)
}

func (p *Peer) handleHistoricalDataRequest() {
	p.dec.Int() // request version
	p.dec.Int() // ticker id
	contract := p.decodeContract(true, true)
	_ = p.dec.String() // end date time
	p.dec.Int()    // bar size
	_ = p.dec.String() // duration
	p.dec.Bool()   // use rth
	_ = p.dec.String() // what to show
	p.dec.Int()    // date format style
	if contract.SecType == ib.SecTypeBag {
		p.decodeComboLegs(false)
	}
	p.srv.handler.OnRequest(p, wire.OutRequestHistoricalData)
}

func (p *Peer) handleRealTimeBarsRequest() {
	p.dec.Int() // request version
	p.dec.Int() // ticker id
	p.decodeContract(true, true)
	p.dec.Int()    // bar size
	_ = p.dec.String() // what to show
	p.dec.Bool()   // use rth
	p.srv.handler.OnRequest(p, wire.OutRequestRealTimeBars)
}

func (p *Peer) handleExerciseOptions() {
	p.dec.Int() // request version
	p.dec.Int() // ticker id
	p.decodeContract(false, true)
	p.dec.Int()    // exercise action
	p.dec.Int()    // quantity
	_ = p.dec.String() // account
	p.dec.Int()    // override
	p.srv.handler.OnRequest(p, wire.OutExerciseOptions)
}

// write serializes one outbound message under the peer's write lock.
func (p *Peer) write(build func(enc *wire.Encoder)) error {
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	build(enc)
	if err := enc.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write(buf.Bytes())
	return err
}

// SendTickPrice streams a price tick, with its bundled size.
func (p *Peer) SendTickPrice(tickerID int, tickType ib.TickType, price float64, size, canAutoExecute int) error {
	return p.write(func(enc *wire.Encoder) {
		enc.Incoming(wire.InTickPrice)
		enc.Int(3)
		enc.Int(tickerID)
		enc.Int(int(tickType))
		enc.Float(price)
		enc.Int(size)
		enc.Int(canAutoExecute)
	})
}

// SendTickSize streams a size tick.
func (p *Peer) SendTickSize(tickerID int, tickType ib.TickType, size int) error {
	return p.write(func(enc *wire.Encoder) {
		enc.Incoming(wire.InTickSize)
		enc.Int(1)
		enc.Int(tickerID)
		enc.Int(int(tickType))
		enc.Int(size)
	})
}

// SendTickString streams a string-valued tick.
func (p *Peer) SendTickString(tickerID int, tickType ib.TickType, value string) error {
	return p.write(func(enc *wire.Encoder) {
		enc.Incoming(wire.InTickString)
		enc.Int(1)
		enc.Int(tickerID)
		enc.Int(int(tickType))
		enc.String(value)
	})
}

// SendError reports an error to the peer, optionally tied to a request id.
func (p *Peer) SendError(id int, e *ib.Error) error {
	return p.write(func(enc *wire.Encoder) {
		enc.Incoming(wire.InErrorMessage)
		enc.Int(2)
		enc.Int(id)
		enc.Int(e.Code)
		enc.String(e.Message)
	})
}

// SendContractDetails answers a contract details request.
func (p *Peer) SendContractDetails(d *ib.ContractDetails) error {
	return p.write(func(enc *wire.Encoder) {
		enc.Incoming(wire.InContractData)
		enc.Int(2)
		enc.String(d.Summary.Symbol)
		enc.String(string(d.Summary.SecType))
		enc.String(d.Summary.Expiry)
		enc.Float(d.Summary.Strike)
		enc.String(d.Summary.Right)
		enc.String(d.Summary.Exchange)
		enc.String(d.Summary.Currency)
		enc.String(d.Summary.LocalSymbol)
		enc.String(d.MarketName)
		enc.String(d.TradingClass)
		enc.Int(d.ConID)
		enc.Float(d.MinTick)
		enc.String(d.Multiplier)
		enc.String(d.OrderTypes)
		enc.String(d.ValidExchanges)
		enc.Int(d.PriceMagnifier)
	})
}

// SendOrderStatus streams an order status update.
func (p *Peer) SendOrderStatus(orderID int, status string, filled, remaining int, avgFillPrice float64, permID, parentID int, lastFillPrice float64, clientID int, whyHeld string) error {
	return p.write(func(enc *wire.Encoder) {
		enc.Incoming(wire.InOrderStatus)
		enc.Int(6)
		enc.Int(orderID)
		enc.String(status)
		enc.Int(filled)
		enc.Int(remaining)
		enc.Float(avgFillPrice)
		enc.Int(permID)
		enc.Int(parentID)
		enc.Float(lastFillPrice)
		enc.Int(clientID)
		enc.String(whyHeld)
	})
}

// SendNextValidID announces the next usable order id.
func (p *Peer) SendNextValidID(orderID int) error {
	return p.write(func(enc *wire.Encoder) {
		enc.Incoming(wire.InNextValidID)
		enc.Int(1)
		enc.Int(orderID)
	})
}

// SendManagedAccounts announces the account list.
func (p *Peer) SendManagedAccounts(accounts string) error {
	return p.write(func(enc *wire.Encoder) {
		enc.Incoming(wire.InManagedAccounts)
		enc.Int(1)
		enc.String(accounts)
	})
}

// SendCurrentTime answers a current time request.
func (p *Peer) SendCurrentTime(t time.Time) error {
	return p.write(func(enc *wire.Encoder) {
		enc.Incoming(wire.InCurrentTime)
		enc.Int(1)
		enc.Int64(t.Unix())
	})
}

// SendMarketDepth streams one order book row update.
func (p *Peer) SendMarketDepth(tickerID, position int, operation ib.Operation, side ib.Side, price float64, size int) error {
	return p.write(func(enc *wire.Encoder) {
		enc.Incoming(wire.InMarketDepth)
		enc.Int(1)
		enc.Int(tickerID)
		enc.Int(position)
		enc.Int(int(operation))
		enc.Int(int(side))
		enc.Float(price)
		enc.Int(size)
	})
}
