package client

import (
	"io"
	"math"
	"strconv"
	"time"

	"twsflow/internal/ib"
	"twsflow/internal/wire"
	"twsflow/logger"
)

// processSingleMessage reads one message from the stream and dispatches it.
// It returns false when the loop must stop: stream fault, unknown message
// code, or a decode error. There is no resynchronization on this protocol.
func (c *Client) processSingleMessage(dec *wire.Decoder) bool {
	msg := dec.Incoming()
	if err := dec.Err(); err != nil {
		if err != io.EOF && c.Status() == StatusConnected {
			c.publish(ErrorEvent{RequestID: ib.NoValidID, Error: ib.ErrConnectionDropped})
		}
		return false
	}
	if msg == wire.InUnknown {
		c.publish(ErrorEvent{RequestID: ib.NoValidID, Error: ib.ErrUnknownID})
		return false
	}

	switch msg {
	case wire.InTickPrice:
		c.processTickPrice(dec)
	case wire.InTickSize:
		c.processTickSize(dec)
	case wire.InOrderStatus:
		c.processOrderStatus(dec)
	case wire.InErrorMessage:
		c.processErrorMessage(dec)
	case wire.InOpenOrder:
		c.processOpenOrder(dec)
	case wire.InAccountValue:
		c.processAccountValue(dec)
	case wire.InPortfolioValue:
		c.processPortfolioValue(dec)
	case wire.InAccountUpdateTime:
		c.processAccountUpdateTime(dec)
	case wire.InNextValidID:
		c.processNextValidID(dec)
	case wire.InContractData:
		c.processContractData(dec)
	case wire.InExecutionData:
		c.processExecutionData(dec)
	case wire.InMarketDepth:
		c.processMarketDepth(dec)
	case wire.InMarketDepthL2:
		c.processMarketDepthL2(dec)
	case wire.InNewsBulletin:
		c.processNewsBulletin(dec)
	case wire.InManagedAccounts:
		c.processManagedAccounts(dec)
	case wire.InReceiveFA:
		c.processReceiveFA(dec)
	case wire.InHistoricalData:
		c.processHistoricalData(dec)
	case wire.InBondContractData:
		c.processBondContractData(dec)
	case wire.InScannerParameters:
		c.processScannerParameters(dec)
	case wire.InScannerData:
		c.processScannerData(dec)
	case wire.InTickOptionComputation:
		c.processTickOptionComputation(dec)
	case wire.InTickGeneric:
		c.processTickGeneric(dec)
	case wire.InTickString:
		c.processTickString(dec)
	case wire.InTickEFP:
		c.processTickEFP(dec)
	case wire.InCurrentTime:
		c.processCurrentTime(dec)
	case wire.InRealTimeBars:
		c.processRealTimeBars(dec)
	}

	if err := dec.Err(); err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"message": int(msg)}).Error("message decode failed")
		if c.Status() == StatusConnected {
			c.publish(ErrorEvent{RequestID: ib.NoValidID, Error: ib.ErrConnectionDropped})
		}
		return false
	}
	return true
}

func (c *Client) processTickPrice(dec *wire.Decoder) {
	version := dec.Int()
	id := dec.Int()
	tickType := ib.TickType(dec.Int())
	price := dec.Float()
	size := 0
	if version >= 2 {
		size = dec.Int()
	}
	canAutoExecute := 0
	if version >= 3 {
		canAutoExecute = dec.Int()
	}
	if dec.Err() != nil {
		return
	}

	c.publish(TickPriceEvent{RequestID: id, Type: tickType, Price: price, Size: size, CanAutoExecute: canAutoExecute})
	c.engine.HandleTickPrice(id, tickType, price, size)

	// The bundled size is not replayed as a size tick: the server sends the
	// real TICK_SIZE separately, and IgnoreSizeInPriceTicks decides what the
	// engine does with the copy in here.
}

func (c *Client) processTickSize(dec *wire.Decoder) {
	dec.Int() // version
	id := dec.Int()
	tickType := ib.TickType(dec.Int())
	size := dec.Int()
	if dec.Err() != nil {
		return
	}
	c.publish(TickSizeEvent{RequestID: id, Type: tickType, Size: size})
	c.engine.HandleTickSize(id, tickType, size)
}

func (c *Client) processTickOptionComputation(dec *wire.Decoder) {
	dec.Int() // version
	id := dec.Int()
	tickType := ib.TickType(dec.Int())
	impliedVol := dec.Float()
	delta := dec.Float()
	modelPrice := ib.UnsetFloat
	pvDividend := ib.UnsetFloat
	if tickType == ib.TickModelOption {
		modelPrice = dec.Float()
		pvDividend = dec.Float()
	}
	if dec.Err() != nil {
		return
	}

	// Negative vol and out-of-range delta mean "not computable".
	if impliedVol < 0 {
		impliedVol = ib.UnsetFloat
	}
	if math.Abs(delta) > 1 {
		delta = ib.UnsetFloat
	}

	c.publish(TickOptionComputationEvent{
		RequestID: id, Type: tickType,
		ImpliedVol: impliedVol, Delta: delta,
		ModelPrice: modelPrice, PVDividend: pvDividend,
	})
	c.engine.HandleTickOption(id, tickType, impliedVol, delta, modelPrice, pvDividend)
}

func (c *Client) processTickGeneric(dec *wire.Decoder) {
	dec.Int() // version
	id := dec.Int()
	tickType := ib.TickType(dec.Int())
	value := dec.Float()
	if dec.Err() != nil {
		return
	}
	c.publish(TickGenericEvent{RequestID: id, Type: tickType, Value: value})
	c.engine.HandleTickGeneric(id, tickType, value)
}

func (c *Client) processTickString(dec *wire.Decoder) {
	dec.Int() // version
	id := dec.Int()
	tickType := ib.TickType(dec.Int())
	value := dec.String()
	if dec.Err() != nil {
		return
	}
	c.publish(TickStringEvent{RequestID: id, Type: tickType, Value: value})
	if tickType == ib.TickLastTimestamp {
		if ts, err := strconv.ParseFloat(value, 64); err == nil {
			c.engine.HandleTickGeneric(id, tickType, ts)
		}
	}
}

func (c *Client) processTickEFP(dec *wire.Decoder) {
	dec.Int() // version
	id := dec.Int()
	tickType := ib.TickType(dec.Int())
	ev := TickEFPEvent{RequestID: id, Type: tickType}
	ev.BasisPoints = dec.Float()
	ev.FormattedBasisPoints = dec.String()
	ev.ImpliedFuturesPrice = dec.Float()
	ev.HoldDays = dec.Int()
	ev.FutureExpiry = dec.String()
	ev.DividendImpact = dec.Float()
	ev.DividendsToExpiry = dec.Float()
	if dec.Err() != nil {
		return
	}
	c.publish(ev)
}

func (c *Client) processOrderStatus(dec *wire.Decoder) {
	version := dec.Int()
	ev := OrderStatusEvent{}
	ev.OrderID = dec.Int()
	ev.Status = dec.String()
	ev.Filled = dec.Int()
	ev.Remaining = dec.Int()
	ev.AvgFillPrice = dec.Float()
	if version >= 2 {
		ev.PermID = dec.Int()
	}
	if version >= 3 {
		ev.ParentID = dec.Int()
	}
	if version >= 4 {
		ev.LastFillPrice = dec.Float()
	}
	if version >= 5 {
		ev.ClientID = dec.Int()
	}
	if version >= 6 {
		ev.WhyHeld = dec.String()
	}
	if dec.Err() != nil {
		return
	}
	c.publish(ev)
}

func (c *Client) processErrorMessage(dec *wire.Decoder) {
	version := dec.Int()
	if version < 2 {
		message := dec.String()
		if dec.Err() != nil {
			return
		}
		c.publish(ErrorEvent{RequestID: ib.NoValidID, Error: &ib.Error{Code: ib.NoValidCode, Message: message}})
		return
	}
	id := dec.Int()
	code := dec.Int()
	message := dec.String()
	if dec.Err() != nil {
		return
	}
	c.publish(ErrorEvent{RequestID: id, Error: ib.ErrorByCode(code, message)})
}

func (c *Client) processOpenOrder(dec *wire.Decoder) {
	version := dec.Int()
	order := ib.NewOrder()
	contract := ib.Contract{}

	order.OrderID = dec.Int()
	contract.Symbol = dec.String()
	contract.SecType = ib.SecType(dec.String())
	contract.Expiry = dec.String()
	contract.Strike = dec.Float()
	contract.Right = dec.String()
	contract.Exchange = dec.String()
	contract.Currency = dec.String()
	if version >= 2 {
		contract.LocalSymbol = dec.String()
	}

	order.Action = ib.Action(dec.String())
	order.TotalQuantity = dec.Int()
	order.OrderType = ib.OrderType(dec.String())
	order.LimitPrice = dec.Float()
	order.AuxPrice = dec.Float()
	order.TIF = ib.TimeInForce(dec.String())
	order.OCAGroup = dec.String()
	order.Account = dec.String()
	order.OpenClose = dec.String()
	order.Origin = dec.Int()
	order.OrderRef = dec.String()

	if version >= 3 {
		order.ClientID = dec.Int()
	}
	if version >= 4 {
		order.PermID = dec.Int()
		order.IgnoreRTH = dec.Int() == 1
		order.Hidden = dec.Int() == 1
		order.DiscretionaryAmt = dec.Float()
	}
	if version >= 5 {
		order.GoodAfterTime = dec.String()
	}
	if version >= 6 {
		order.SharesAllocation = dec.String()
	}
	if version >= 7 {
		order.FAGroup = dec.String()
		order.FAMethod = dec.String()
		order.FAPercentage = dec.String()
		order.FAProfile = dec.String()
	}
	if version >= 8 {
		order.GoodTillDate = dec.String()
	}
	if version >= 9 {
		order.Rule80A = dec.String()
		order.PercentOffset = dec.Float()
		order.SettlingFirm = dec.String()
		order.ShortSaleSlot = dec.Int()
		order.DesignatedLocation = dec.String()
		order.AuctionStrategy = dec.Int()
		order.StartingPrice = dec.Float()
		order.StockRefPrice = dec.Float()
		order.Delta = dec.Float()
		order.StockRangeLower = dec.Float()
		order.StockRangeUpper = dec.Float()
		order.DisplaySize = dec.Int()
		order.RTHOnly = dec.Bool()
		order.BlockOrder = dec.Bool()
		order.SweepToFill = dec.Bool()
		order.AllOrNone = dec.Bool()
		order.MinQty = dec.IntMax()
		order.OCAType = dec.Int()
		order.ETradeOnly = dec.Bool()
		order.FirmQuoteOnly = dec.Bool()
		order.NBBOPriceCap = dec.FloatMax()
	}
	if version >= 10 {
		order.ParentID = dec.Int()
		order.TriggerMethod = dec.Int()
	}
	if version >= 11 {
		order.Volatility = dec.Float()
		order.VolatilityType = dec.Int()
		if version == 11 {
			if dec.Int() == 0 {
				order.DeltaNeutralOrderType = ib.OrderTypeNone
			} else {
				order.DeltaNeutralOrderType = ib.OrderTypeMarket
			}
		} else {
			order.DeltaNeutralOrderType = ib.OrderType(dec.String())
			order.DeltaNeutralAuxPrice = dec.FloatMax()
		}
		order.ContinuousUpdate = dec.Int()
		if c.ServerVersion() == 26 {
			order.StockRangeLower = dec.Float()
			order.StockRangeUpper = dec.Float()
		}
		order.ReferencePriceType = dec.Int()
	}
	if version >= 13 {
		order.TrailStopPrice = dec.FloatMax()
	}
	if version >= 14 {
		order.BasisPoints = dec.FloatMax()
		order.BasisPointsType = dec.IntMax()
		order.ComboLegsDescrip = dec.String()
	}
	if dec.Err() != nil {
		return
	}

	c.mu.Lock()
	c.orders[order.OrderID] = &ib.OrderRecord{Order: order, Contract: &contract}
	c.mu.Unlock()

	c.publish(OpenOrderEvent{OrderID: order.OrderID, Contract: contract, Order: *order})
}

func (c *Client) processAccountValue(dec *wire.Decoder) {
	version := dec.Int()
	ev := AccountValueEvent{}
	ev.Key = dec.String()
	ev.Value = dec.String()
	ev.Currency = dec.String()
	if version >= 2 {
		ev.AccountName = dec.String()
	}
	if dec.Err() != nil {
		return
	}
	c.publish(ev)
}

func (c *Client) processPortfolioValue(dec *wire.Decoder) {
	version := dec.Int()
	ev := PortfolioValueEvent{}
	ev.Contract.Symbol = dec.String()
	ev.Contract.SecType = ib.SecType(dec.String())
	ev.Contract.Expiry = dec.String()
	ev.Contract.Strike = dec.Float()
	ev.Contract.Right = dec.String()
	ev.Contract.Currency = dec.String()
	if version >= 2 {
		ev.Contract.LocalSymbol = dec.String()
	}
	ev.Position = dec.Int()
	ev.MarketPrice = dec.Float()
	ev.MarketValue = dec.Float()
	if version >= 3 {
		ev.AvgCost = dec.Float()
		ev.UnrealizedPNL = dec.Float()
		ev.RealizedPNL = dec.Float()
	}
	if version >= 4 {
		ev.AccountName = dec.String()
	}
	if dec.Err() != nil {
		return
	}
	c.publish(ev)
}

func (c *Client) processAccountUpdateTime(dec *wire.Decoder) {
	dec.Int() // version
	stamp := dec.String()
	if dec.Err() != nil {
		return
	}
	c.publish(AccountUpdateTimeEvent{Time: stamp})
}

func (c *Client) processNextValidID(dec *wire.Decoder) {
	dec.Int() // version
	id := dec.Int()
	if dec.Err() != nil {
		return
	}
	c.mu.Lock()
	c.nextValidID = id
	c.mu.Unlock()
	c.publish(NextValidIDEvent{OrderID: id})
}

func (c *Client) processContractData(dec *wire.Decoder) {
	version := dec.Int()
	d := ib.ContractDetails{}
	d.Summary.Symbol = dec.String()
	d.Summary.SecType = ib.SecType(dec.String())
	d.Summary.Expiry = dec.String()
	d.Summary.Strike = dec.Float()
	d.Summary.Right = dec.String()
	d.Summary.Exchange = dec.String()
	d.Summary.Currency = dec.String()
	d.Summary.LocalSymbol = dec.String()
	d.MarketName = dec.String()
	d.TradingClass = dec.String()
	d.ConID = dec.Int()
	d.MinTick = dec.Float()
	d.Multiplier = dec.String()
	d.Summary.Multiplier = d.Multiplier
	d.OrderTypes = dec.String()
	d.ValidExchanges = dec.String()
	if version >= 2 {
		d.PriceMagnifier = dec.Int()
	}
	if dec.Err() != nil {
		return
	}
	c.resolveContractDetails(d)
	c.publish(ContractDetailsEvent{Details: d})
}

func (c *Client) processBondContractData(dec *wire.Decoder) {
	version := dec.Int()
	d := ib.ContractDetails{}
	d.Summary.Symbol = dec.String()
	d.Summary.SecType = ib.SecType(dec.String())
	d.Summary.Cusip = dec.String()
	d.Summary.Coupon = dec.Float()
	d.Summary.Maturity = dec.String()
	d.Summary.IssueDate = dec.String()
	d.Summary.Ratings = dec.String()
	d.Summary.BondType = dec.String()
	d.Summary.CouponType = dec.String()
	d.Summary.Convertible = dec.Bool()
	d.Summary.Callable = dec.Bool()
	d.Summary.Putable = dec.Bool()
	d.Summary.DescAppend = dec.String()
	d.Summary.Exchange = dec.String()
	d.Summary.Currency = dec.String()
	d.MarketName = dec.String()
	d.TradingClass = dec.String()
	d.ConID = dec.Int()
	d.MinTick = dec.Float()
	d.OrderTypes = dec.String()
	d.ValidExchanges = dec.String()
	if version >= 2 {
		d.Summary.NextOptionDate = dec.String()
		d.Summary.NextOptionType = dec.String()
		d.Summary.NextOptionPartial = dec.Bool()
		d.Summary.Notes = dec.String()
	}
	if dec.Err() != nil {
		return
	}
	c.publish(BondContractDetailsEvent{Details: d})
}

func (c *Client) processExecutionData(dec *wire.Decoder) {
	version := dec.Int()
	orderID := dec.Int()

	contract := ib.Contract{}
	contract.Symbol = dec.String()
	contract.SecType = ib.SecType(dec.String())
	contract.Expiry = dec.String()
	contract.Strike = dec.Float()
	contract.Right = dec.String()
	contract.Exchange = dec.String()
	contract.Currency = dec.String()
	contract.LocalSymbol = dec.String()

	exec := ib.Execution{OrderID: orderID}
	exec.ExecID = dec.String()
	exec.Time = dec.String()
	exec.AcctNumber = dec.String()
	exec.Exchange = dec.String()
	exec.Side = dec.String()
	exec.Shares = dec.Int()
	exec.Price = dec.Float()
	if version >= 2 {
		exec.PermID = dec.Int()
	}
	if version >= 3 {
		exec.ClientID = dec.Int()
	}
	if version >= 4 {
		exec.Liquidation = dec.Int()
	}
	if dec.Err() != nil {
		return
	}
	c.publish(ExecutionEvent{OrderID: orderID, Contract: contract, Execution: exec})
}

func (c *Client) processMarketDepth(dec *wire.Decoder) {
	dec.Int() // version
	ev := MarketDepthEvent{}
	ev.RequestID = dec.Int()
	ev.Position = dec.Int()
	ev.Operation = ib.Operation(dec.Int())
	ev.Side = ib.Side(dec.Int())
	ev.Price = dec.Float()
	ev.Size = dec.Int()
	if dec.Err() != nil {
		return
	}
	c.publish(ev)
}

func (c *Client) processMarketDepthL2(dec *wire.Decoder) {
	dec.Int() // version
	ev := MarketDepthEvent{L2: true}
	ev.RequestID = dec.Int()
	ev.Position = dec.Int()
	ev.MarketMaker = dec.String()
	ev.Operation = ib.Operation(dec.Int())
	ev.Side = ib.Side(dec.Int())
	ev.Price = dec.Float()
	ev.Size = dec.Int()
	if dec.Err() != nil {
		return
	}
	c.publish(ev)
}

func (c *Client) processNewsBulletin(dec *wire.Decoder) {
	dec.Int() // version
	ev := NewsBulletinEvent{}
	ev.MsgID = dec.Int()
	ev.MsgType = dec.Int()
	ev.Message = dec.String()
	ev.OrigExchange = dec.String()
	if dec.Err() != nil {
		return
	}
	c.publish(ev)
}

func (c *Client) processManagedAccounts(dec *wire.Decoder) {
	dec.Int() // version
	accounts := dec.String()
	if dec.Err() != nil {
		return
	}
	c.publish(ManagedAccountsEvent{Accounts: accounts})
}

func (c *Client) processReceiveFA(dec *wire.Decoder) {
	dec.Int() // version
	faType := ib.FADataType(dec.Int())
	xml := dec.String()
	if dec.Err() != nil {
		return
	}
	c.publish(ReceiveFAEvent{Type: faType, XML: xml})
}

func (c *Client) processHistoricalData(dec *wire.Decoder) {
	version := dec.Int()
	id := dec.Int()
	startDate := ""
	endDate := ""
	if version >= 2 {
		startDate = dec.String()
		endDate = dec.String()
	}
	itemCount := dec.Int()
	if dec.Err() != nil {
		return
	}

	c.publish(HistoricalDataEvent{
		RequestID: id, State: ib.HistoricalStarting,
		Date: startDate, RecordTotal: itemCount,
	})
	for i := 0; i < itemCount; i++ {
		row := HistoricalDataEvent{
			RequestID: id, State: ib.HistoricalDownloading,
			RecordNumber: i, RecordTotal: itemCount,
		}
		row.Date = dec.String()
		row.Open = dec.Float()
		row.High = dec.Float()
		row.Low = dec.Float()
		row.Close = dec.Float()
		row.Volume = dec.Int()
		row.WAP = dec.Float()
		row.HasGaps = dec.String() == "true"
		if dec.Err() != nil {
			return
		}
		c.publish(row)
	}
	c.publish(HistoricalDataEvent{
		RequestID: id, State: ib.HistoricalFinished,
		Date: endDate, RecordTotal: itemCount,
	})
}

func (c *Client) processScannerParameters(dec *wire.Decoder) {
	dec.Int() // version
	xml := dec.String()
	if dec.Err() != nil {
		return
	}
	c.publish(ScannerParametersEvent{XML: xml})
}

func (c *Client) processScannerData(dec *wire.Decoder) {
	dec.Int() // version
	id := dec.Int()
	count := dec.Int()
	if dec.Err() != nil {
		return
	}
	for i := 0; i < count; i++ {
		ev := ScannerDataEvent{RequestID: id, RecordNumber: i, RecordTotal: count}
		ev.Rank = dec.Int()
		ev.Details.Summary.Symbol = dec.String()
		ev.Details.Summary.SecType = ib.SecType(dec.String())
		ev.Details.Summary.Expiry = dec.String()
		ev.Details.Summary.Strike = dec.Float()
		ev.Details.Summary.Right = dec.String()
		ev.Details.Summary.Exchange = dec.String()
		ev.Details.Summary.Currency = dec.String()
		ev.Details.Summary.LocalSymbol = dec.String()
		ev.Details.MarketName = dec.String()
		ev.Details.TradingClass = dec.String()
		ev.Distance = dec.String()
		ev.Benchmark = dec.String()
		ev.Projection = dec.String()
		if dec.Err() != nil {
			return
		}
		c.publish(ev)
	}
}

func (c *Client) processCurrentTime(dec *wire.Decoder) {
	dec.Int() // version
	seconds := dec.Int64()
	if dec.Err() != nil {
		return
	}
	c.publish(CurrentTimeEvent{Time: time.Unix(seconds, 0)})
}

func (c *Client) processRealTimeBars(dec *wire.Decoder) {
	dec.Int() // version
	ev := RealTimeBarEvent{}
	ev.RequestID = dec.Int()
	ev.Time = dec.Int64()
	ev.Open = dec.Float()
	ev.High = dec.Float()
	ev.Low = dec.Float()
	ev.Close = dec.Float()
	ev.Volume = dec.Int64()
	ev.WAP = dec.Float()
	ev.Count = dec.Int()
	if dec.Err() != nil {
		return
	}
	c.publish(ev)
}
