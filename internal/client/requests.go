package client

import (
	"time"

	"twsflow/internal/ib"
	"twsflow/internal/wire"
)

// Request encoders. Each one writes the request version the protocol pinned
// for that message and gates optional fields on the negotiated server
// version, exactly as the terminal's own client does.

const (
	reqVersionMarketData      = 5
	reqVersionMarketDepth     = 3
	reqVersionContractData    = 3
	reqVersionPlaceOrder      = 20
	reqVersionHistoricalData  = 3
	reqVersionExecutions      = 2
	reqVersionAccountUpdates  = 2
)

// RequestMarketData subscribes to streaming market data for the contract.
// The engine starts aggregating under tickerID immediately.
func (c *Client) RequestMarketData(tickerID int, contract *ib.Contract, genericTickList string) error {
	sv := c.ServerVersion()
	err := c.send(tickerID, ib.ErrFailSendReqMkt, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestMarketData)
		enc.Int(reqVersionMarketData)
		enc.Int(tickerID)
		enc.String(contract.Symbol)
		enc.String(string(contract.SecType))
		enc.String(contract.Expiry)
		enc.Float(contract.Strike)
		enc.String(contract.Right)
		if sv >= 15 {
			enc.String(contract.Multiplier)
		}
		enc.String(contract.Exchange)
		if sv >= 14 {
			enc.String(contract.PrimaryExchange)
		}
		enc.String(contract.Currency)
		if sv >= 2 {
			enc.String(contract.LocalSymbol)
		}
		if sv >= 8 && contract.SecType == ib.SecTypeBag {
			enc.Int(len(contract.ComboLegs))
			for _, leg := range contract.ComboLegs {
				enc.Int(leg.ConID)
				enc.Int(leg.Ratio)
				enc.String(string(leg.Action))
				enc.String(leg.Exchange)
			}
		}
		if sv >= 31 {
			enc.String(genericTickList)
		}
	})
	if err != nil {
		return err
	}
	c.engine.Subscribe(tickerID, contract)
	return nil
}

// CancelMarketData stops the subscription and drops its snapshot.
func (c *Client) CancelMarketData(tickerID int) error {
	err := c.send(tickerID, ib.ErrFailSendCanMkt, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutCancelMarketData)
		enc.Int(1)
		enc.Int(tickerID)
	})
	if err != nil {
		return err
	}
	c.engine.Unsubscribe(tickerID)
	return nil
}

// RequestMarketDepth subscribes to order book updates.
func (c *Client) RequestMarketDepth(tickerID int, contract *ib.Contract, numRows int) error {
	if err := c.requireServerVersion(6); err != nil {
		return err
	}
	sv := c.ServerVersion()
	return c.send(tickerID, ib.ErrFailSendReqMktDepth, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestMarketDepth)
		enc.Int(reqVersionMarketDepth)
		enc.Int(tickerID)
		enc.String(contract.Symbol)
		enc.String(string(contract.SecType))
		enc.String(contract.Expiry)
		enc.Float(contract.Strike)
		enc.String(contract.Right)
		if sv >= 15 {
			enc.String(contract.Multiplier)
		}
		enc.String(contract.Exchange)
		enc.String(contract.Currency)
		enc.String(contract.LocalSymbol)
		if sv >= 19 {
			enc.Int(numRows)
		}
	})
}

// CancelMarketDepth stops an order book subscription.
func (c *Client) CancelMarketDepth(tickerID int) error {
	if err := c.requireServerVersion(6); err != nil {
		return err
	}
	return c.send(tickerID, ib.ErrFailSendCanMktDepth, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutCancelMarketDepth)
		enc.Int(1)
		enc.Int(tickerID)
	})
}

// RequestContractDetails asks for the full definition of a contract. The
// answer arrives as a ContractDetailsEvent; GetContractDetails wraps this
// synchronously.
func (c *Client) RequestContractDetails(contract *ib.Contract) error {
	if err := c.requireServerVersion(4); err != nil {
		return err
	}
	sv := c.ServerVersion()
	return c.send(ib.NoValidID, ib.ErrFailSendReqContract, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestContractData)
		enc.Int(reqVersionContractData)
		enc.String(contract.Symbol)
		enc.String(string(contract.SecType))
		enc.String(contract.Expiry)
		enc.Float(contract.Strike)
		enc.String(contract.Right)
		if sv >= 15 {
			enc.String(contract.Multiplier)
		}
		enc.String(contract.Exchange)
		enc.String(contract.Currency)
		enc.String(contract.LocalSymbol)
		if sv >= 31 {
			enc.Bool(contract.IncludeExpired)
		}
	})
}

// PlaceOrder transmits an order and records it for error context.
func (c *Client) PlaceOrder(orderID int, contract *ib.Contract, order *ib.Order) error {
	sv := c.ServerVersion()
	err := c.send(orderID, ib.ErrFailSendOrder, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutPlaceOrder)
		enc.Int(reqVersionPlaceOrder)
		enc.Int(orderID)

		enc.String(contract.Symbol)
		enc.String(string(contract.SecType))
		enc.String(contract.Expiry)
		enc.Float(contract.Strike)
		enc.String(contract.Right)
		if sv >= 15 {
			enc.String(contract.Multiplier)
		}
		enc.String(contract.Exchange)
		if sv >= 14 {
			enc.String(contract.PrimaryExchange)
		}
		enc.String(contract.Currency)
		if sv >= 2 {
			enc.String(contract.LocalSymbol)
		}

		enc.String(string(order.Action))
		enc.Int(order.TotalQuantity)
		enc.String(string(order.OrderType))
		enc.Float(order.LimitPrice)
		enc.Float(order.AuxPrice)

		enc.String(string(order.TIF))
		enc.String(order.OCAGroup)
		enc.String(order.Account)
		enc.String(order.OpenClose)
		enc.Int(order.Origin)
		enc.String(order.OrderRef)
		enc.Bool(order.Transmit)
		if sv >= 4 {
			enc.Int(order.ParentID)
		}
		if sv >= 5 {
			enc.Bool(order.BlockOrder)
			enc.Bool(order.SweepToFill)
			enc.Int(order.DisplaySize)
			enc.Int(order.TriggerMethod)
			enc.Bool(order.IgnoreRTH)
		}
		if sv >= 7 {
			enc.Bool(order.Hidden)
		}
		if sv >= 8 && contract.SecType == ib.SecTypeBag {
			enc.Int(len(contract.ComboLegs))
			for _, leg := range contract.ComboLegs {
				enc.Int(leg.ConID)
				enc.Int(leg.Ratio)
				enc.String(string(leg.Action))
				enc.String(leg.Exchange)
				enc.Int(leg.OpenClose)
			}
		}
		if sv >= 9 {
			enc.String(order.SharesAllocation)
		}
		if sv >= 10 {
			enc.Float(order.DiscretionaryAmt)
		}
		if sv >= 11 {
			enc.String(order.GoodAfterTime)
		}
		if sv >= 12 {
			enc.String(order.GoodTillDate)
		}
		if sv >= 13 {
			enc.String(order.FAGroup)
			enc.String(order.FAMethod)
			enc.String(order.FAPercentage)
			enc.String(order.FAProfile)
		}
		if sv >= 18 {
			enc.Int(order.ShortSaleSlot)
			enc.String(order.DesignatedLocation)
		}
		if sv >= 19 {
			enc.Int(order.OCAType)
			enc.Bool(order.RTHOnly)
			enc.String(order.Rule80A)
			enc.String(order.SettlingFirm)
			enc.Bool(order.AllOrNone)
			enc.IntMax(order.MinQty)
			enc.FloatMax(order.PercentOffset)
			enc.Bool(order.ETradeOnly)
			enc.Bool(order.FirmQuoteOnly)
			enc.FloatMax(order.NBBOPriceCap)
			enc.IntMax(order.AuctionStrategy)
			enc.FloatMax(order.StartingPrice)
			enc.FloatMax(order.StockRefPrice)
			enc.FloatMax(order.Delta)
			// An old server release used these two fields for volatility
			// orders only and rejects them otherwise.
			if sv == 26 && order.OrderType != ib.OrderTypeVolatility {
				enc.String("")
				enc.String("")
			} else {
				enc.FloatMax(order.StockRangeLower)
				enc.FloatMax(order.StockRangeUpper)
			}
		}
		if sv >= 22 {
			enc.Bool(order.OverridePercentageConstraints)
		}
		if sv >= 26 {
			enc.FloatMax(order.Volatility)
			enc.IntMax(order.VolatilityType)
			if sv < 28 {
				enc.Bool(order.DeltaNeutralOrderType == ib.OrderTypeMarket)
			} else {
				enc.String(string(order.DeltaNeutralOrderType))
				enc.FloatMax(order.DeltaNeutralAuxPrice)
			}
			enc.Int(order.ContinuousUpdate)
			if sv == 26 {
				if order.OrderType == ib.OrderTypeVolatility {
					enc.Float(order.StockRangeLower)
					enc.Float(order.StockRangeUpper)
				} else {
					enc.String("")
					enc.String("")
				}
			}
			enc.IntMax(order.ReferencePriceType)
		}
	})
	if err != nil {
		return err
	}

	order.OrderID = orderID
	c.mu.Lock()
	c.orders[orderID] = &ib.OrderRecord{Order: order, Contract: contract}
	c.mu.Unlock()
	return nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(orderID int) error {
	return c.send(orderID, ib.ErrFailSendCOrder, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutCancelOrder)
		enc.Int(1)
		enc.Int(orderID)
	})
}

// OrderRecord returns the bookkeeping entry for an order id.
func (c *Client) OrderRecord(orderID int) (*ib.OrderRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.orders[orderID]
	return rec, ok
}

// RequestOpenOrders asks for this client's working orders.
func (c *Client) RequestOpenOrders() error {
	return c.send(ib.NoValidID, ib.ErrFailSendOOrder, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestOpenOrders)
		enc.Int(1)
	})
}

// RequestAllOpenOrders asks for working orders across all API clients.
func (c *Client) RequestAllOpenOrders() error {
	return c.send(ib.NoValidID, ib.ErrFailSendOOrder, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestAllOpenOrders)
		enc.Int(1)
	})
}

// RequestAutoOpenOrders binds newly entered terminal orders to this client.
func (c *Client) RequestAutoOpenOrders(autoBind bool) error {
	return c.send(ib.NoValidID, ib.ErrFailSendOOrder, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestAutoOpenOrders)
		enc.Int(1)
		enc.Bool(autoBind)
	})
}

// RequestExecutions asks for fills matching the filter. A nil filter
// matches everything.
func (c *Client) RequestExecutions(filter *ib.ExecutionFilter) error {
	sv := c.ServerVersion()
	return c.send(ib.NoValidID, ib.ErrFailSendExec, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestExecutions)
		enc.Int(reqVersionExecutions)
		if sv >= 9 {
			if filter == nil {
				filter = &ib.ExecutionFilter{}
			}
			enc.Int(filter.ClientID)
			enc.String(filter.AcctCode)
			enc.String(filter.Time)
			enc.String(filter.Symbol)
			enc.String(string(filter.SecType))
			enc.String(filter.Exchange)
			enc.String(filter.Side)
		}
	})
}

// RequestIDs asks the server to announce the next valid order id.
func (c *Client) RequestIDs(numIDs int) error {
	return c.send(ib.NoValidID, ib.ErrFailSendOOrder, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestIDs)
		enc.Int(1)
		enc.Int(numIDs)
	})
}

// RequestAccountUpdates subscribes to account value and portfolio streams.
func (c *Client) RequestAccountUpdates(subscribe bool, acctCode string) error {
	sv := c.ServerVersion()
	return c.send(ib.NoValidID, ib.ErrFailSendAcct, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestAccountData)
		enc.Int(reqVersionAccountUpdates)
		enc.Bool(subscribe)
		if sv >= 9 {
			enc.String(acctCode)
		}
	})
}

// RequestNewsBulletins subscribes to broadcast bulletins.
func (c *Client) RequestNewsBulletins(allMsgs bool) error {
	return c.send(ib.NoValidID, ib.ErrFailSendReqMkt, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestNewsBulletins)
		enc.Int(1)
		enc.Bool(allMsgs)
	})
}

// CancelNewsBulletins stops the bulletin stream.
func (c *Client) CancelNewsBulletins() error {
	return c.send(ib.NoValidID, ib.ErrFailSendCanMkt, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutCancelNewsBulletins)
		enc.Int(1)
	})
}

// SetServerLogLevel adjusts the verbosity of the server-side API log.
func (c *Client) SetServerLogLevel(level ib.LogLevel) error {
	return c.send(ib.NoValidID, ib.ErrFailSendServerLogLevel, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutSetServerLogLevel)
		enc.Int(1)
		enc.Int(int(level))
	})
}

// RequestManagedAccounts asks for the account list this session manages.
func (c *Client) RequestManagedAccounts() error {
	return c.send(ib.NoValidID, ib.ErrFailSendOOrder, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestManagedAccounts)
		enc.Int(1)
	})
}

// RequestFA fetches a financial advisor configuration document.
func (c *Client) RequestFA(faType ib.FADataType) error {
	if err := c.requireServerVersion(13); err != nil {
		return err
	}
	return c.send(ib.NoValidID, ib.ErrFailSendFARequest, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestFA)
		enc.Int(1)
		enc.Int(int(faType))
	})
}

// ReplaceFA uploads a financial advisor configuration document.
func (c *Client) ReplaceFA(faType ib.FADataType, xml string) error {
	if err := c.requireServerVersion(13); err != nil {
		return err
	}
	return c.send(ib.NoValidID, ib.ErrFailSendFAReplace, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutReplaceFA)
		enc.Int(1)
		enc.Int(int(faType))
		enc.String(xml)
	})
}

// RequestHistoricalData starts a bar download ending at endDateTime.
func (c *Client) RequestHistoricalData(tickerID int, contract *ib.Contract, endDateTime time.Time, duration string, barSize int, whatToShow string, useRTH bool) error {
	if err := c.requireServerVersion(16); err != nil {
		return err
	}
	sv := c.ServerVersion()
	return c.send(tickerID, ib.ErrFailSendReqHistData, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestHistoricalData)
		enc.Int(reqVersionHistoricalData)
		enc.Int(tickerID)
		enc.String(contract.Symbol)
		enc.String(string(contract.SecType))
		enc.String(contract.Expiry)
		enc.Float(contract.Strike)
		enc.String(contract.Right)
		enc.String(contract.Multiplier)
		enc.String(contract.Exchange)
		enc.String(contract.PrimaryExchange)
		enc.String(contract.Currency)
		enc.String(contract.LocalSymbol)
		if sv >= 20 {
			enc.String(endDateTime.Format(ib.FullDateTimeFormat) + " GMT")
			enc.Int(barSize)
		}
		enc.String(duration)
		enc.Bool(useRTH)
		enc.String(whatToShow)
		if sv > 16 {
			enc.Int(1) // dates formatted as yyyymmdd hh:mm:ss
		}
		if contract.SecType == ib.SecTypeBag {
			enc.Int(len(contract.ComboLegs))
			for _, leg := range contract.ComboLegs {
				enc.Int(leg.ConID)
				enc.Int(leg.Ratio)
				enc.String(string(leg.Action))
				enc.String(leg.Exchange)
			}
		}
	})
}

// CancelHistoricalData aborts a bar download.
func (c *Client) CancelHistoricalData(tickerID int) error {
	if err := c.requireServerVersion(24); err != nil {
		return err
	}
	return c.send(tickerID, ib.ErrFailSendCanHistData, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutCancelHistoricalData)
		enc.Int(1)
		enc.Int(tickerID)
	})
}

// RequestRealTimeBars subscribes to five-second bars.
func (c *Client) RequestRealTimeBars(tickerID int, contract *ib.Contract, barSize int, whatToShow string, useRTH bool) error {
	if err := c.requireServerVersion(34); err != nil {
		return err
	}
	return c.send(tickerID, ib.ErrFailSendReqRTBars, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestRealTimeBars)
		enc.Int(1)
		enc.Int(tickerID)
		enc.String(contract.Symbol)
		enc.String(string(contract.SecType))
		enc.String(contract.Expiry)
		enc.Float(contract.Strike)
		enc.String(contract.Right)
		enc.String(contract.Multiplier)
		enc.String(contract.Exchange)
		enc.String(contract.PrimaryExchange)
		enc.String(contract.Currency)
		enc.String(contract.LocalSymbol)
		enc.Int(barSize)
		enc.String(whatToShow)
		enc.Bool(useRTH)
	})
}

// CancelRealTimeBars stops a bar subscription.
func (c *Client) CancelRealTimeBars(tickerID int) error {
	if err := c.requireServerVersion(34); err != nil {
		return err
	}
	return c.send(tickerID, ib.ErrFailSendCanRTBars, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutCancelRealTimeBars)
		enc.Int(1)
		enc.Int(tickerID)
	})
}

// RequestCurrentTime asks for the server clock.
func (c *Client) RequestCurrentTime() error {
	if err := c.requireServerVersion(33); err != nil {
		return err
	}
	return c.send(ib.NoValidID, ib.ErrFailSendReqCurrTime, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestCurrentTime)
		enc.Int(1)
	})
}

// RequestScannerParameters fetches the scanner parameters document.
func (c *Client) RequestScannerParameters() error {
	if err := c.requireServerVersion(24); err != nil {
		return err
	}
	return c.send(ib.NoValidID, ib.ErrFailSendReqScannerParameters, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutRequestScannerParameters)
		enc.Int(1)
	})
}

// CancelScannerSubscription stops a scanner stream.
func (c *Client) CancelScannerSubscription(tickerID int) error {
	if err := c.requireServerVersion(24); err != nil {
		return err
	}
	return c.send(tickerID, ib.ErrFailSendCanScanner, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutCancelScannerSubscription)
		enc.Int(1)
		enc.Int(tickerID)
	})
}

// ExerciseOptions exercises or lapses an option position.
func (c *Client) ExerciseOptions(tickerID int, contract *ib.Contract, exerciseAction, exerciseQuantity int, account string, override int) error {
	if err := c.requireServerVersion(21); err != nil {
		return err
	}
	return c.send(tickerID, ib.ErrFailSendOrder, func(enc *wire.Encoder) {
		enc.Outgoing(wire.OutExerciseOptions)
		enc.Int(1)
		enc.Int(tickerID)
		enc.String(contract.Symbol)
		enc.String(string(contract.SecType))
		enc.String(contract.Expiry)
		enc.Float(contract.Strike)
		enc.String(contract.Right)
		enc.String(contract.Multiplier)
		enc.String(contract.Exchange)
		enc.String(contract.Currency)
		enc.String(contract.LocalSymbol)
		enc.Int(exerciseAction)
		enc.Int(exerciseQuantity)
		enc.String(account)
		enc.Int(override)
	})
}
