package client

import (
	"time"

	"twsflow/internal/ib"
)

// Status of the connection to TWS.
type Status int

const (
	StatusUnknown Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a notification published on the client's event channel. Consumers
// switch on the concrete type.
type Event interface {
	event()
}

// StatusEvent reports a connection state change.
type StatusEvent struct {
	Status Status
}

// ErrorEvent carries a protocol or client-side error. RequestID is
// ib.NoValidID when the error is not tied to a request.
type ErrorEvent struct {
	RequestID int
	Error     *ib.Error
}

// TickPriceEvent is a raw price tick, before aggregation.
type TickPriceEvent struct {
	RequestID      int
	Type           ib.TickType
	Price          float64
	Size           int
	CanAutoExecute int
}

// TickSizeEvent is a raw size tick, before aggregation.
type TickSizeEvent struct {
	RequestID int
	Type      ib.TickType
	Size      int
}

// TickStringEvent is a raw string-valued tick.
type TickStringEvent struct {
	RequestID int
	Type      ib.TickType
	Value     string
}

// TickGenericEvent is a raw generic tick.
type TickGenericEvent struct {
	RequestID int
	Type      ib.TickType
	Value     float64
}

// TickOptionComputationEvent carries option greeks for one side of the
// market. Unavailable values are the unset sentinel.
type TickOptionComputationEvent struct {
	RequestID  int
	Type       ib.TickType
	ImpliedVol float64
	Delta      float64
	ModelPrice float64
	PVDividend float64
}

// TickEFPEvent is an exchange-for-physical tick.
type TickEFPEvent struct {
	RequestID            int
	Type                 ib.TickType
	BasisPoints          float64
	FormattedBasisPoints string
	ImpliedFuturesPrice  float64
	HoldDays             int
	FutureExpiry         string
	DividendImpact       float64
	DividendsToExpiry    float64
}

// MarketDataEvent reports an aggregated snapshot change. Trade is set when
// the change represents an inferred or reported trade.
type MarketDataEvent struct {
	RequestID int
	Type      ib.TickType
	Trade     bool
	Snapshot  MarketDataSnapshot
}

// OrderStatusEvent reports order progress.
type OrderStatusEvent struct {
	OrderID       int
	Status        string
	Filled        int
	Remaining     int
	AvgFillPrice  float64
	PermID        int
	ParentID      int
	LastFillPrice float64
	ClientID      int
	WhyHeld       string
}

// OpenOrderEvent reports a working order with its contract.
type OpenOrderEvent struct {
	OrderID  int
	Contract ib.Contract
	Order    ib.Order
}

// AccountValueEvent is one account attribute update.
type AccountValueEvent struct {
	Key         string
	Value       string
	Currency    string
	AccountName string
}

// PortfolioValueEvent is one position update.
type PortfolioValueEvent struct {
	Contract      ib.Contract
	Position      int
	MarketPrice   float64
	MarketValue   float64
	AvgCost       float64
	UnrealizedPNL float64
	RealizedPNL   float64
	AccountName   string
}

// AccountUpdateTimeEvent carries the server's account update timestamp.
type AccountUpdateTimeEvent struct {
	Time string
}

// NextValidIDEvent announces the next usable order id.
type NextValidIDEvent struct {
	OrderID int
}

// ContractDetailsEvent carries the answer to a contract details request.
type ContractDetailsEvent struct {
	Details ib.ContractDetails
}

// BondContractDetailsEvent carries bond contract details.
type BondContractDetailsEvent struct {
	Details ib.ContractDetails
}

// ExecutionEvent reports a fill.
type ExecutionEvent struct {
	OrderID   int
	Contract  ib.Contract
	Execution ib.Execution
}

// MarketDepthEvent is one order book row change. L2 rows carry the market
// maker identifier.
type MarketDepthEvent struct {
	RequestID   int
	Position    int
	MarketMaker string
	Operation   ib.Operation
	Side        ib.Side
	Price       float64
	Size        int
	L2          bool
}

// NewsBulletinEvent is a broadcast news bulletin.
type NewsBulletinEvent struct {
	MsgID        int
	MsgType      int
	Message      string
	OrigExchange string
}

// ManagedAccountsEvent lists the accounts this session manages.
type ManagedAccountsEvent struct {
	Accounts string
}

// ReceiveFAEvent carries a financial advisor configuration document.
type ReceiveFAEvent struct {
	Type ib.FADataType
	XML  string
}

// HistoricalDataEvent is one row of a historical data download, bracketed by
// Starting and Finished rows.
type HistoricalDataEvent struct {
	RequestID    int
	State        ib.HistoricalDataState
	Date         string
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int
	WAP          float64
	HasGaps      bool
	RecordNumber int
	RecordTotal  int
}

// ScannerParametersEvent carries the scanner parameters document.
type ScannerParametersEvent struct {
	XML string
}

// ScannerDataEvent is one row of a scanner result set.
type ScannerDataEvent struct {
	RequestID    int
	Rank         int
	Details      ib.ContractDetails
	Distance     string
	Benchmark    string
	Projection   string
	RecordNumber int
	RecordTotal  int
}

// CurrentTimeEvent is the server clock reading.
type CurrentTimeEvent struct {
	Time time.Time
}

// RealTimeBarEvent is one five-second bar.
type RealTimeBarEvent struct {
	RequestID int
	Time      int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	WAP       float64
	Count     int
}

func (StatusEvent) event()                {}
func (ErrorEvent) event()                 {}
func (TickPriceEvent) event()             {}
func (TickSizeEvent) event()              {}
func (TickStringEvent) event()            {}
func (TickGenericEvent) event()           {}
func (TickOptionComputationEvent) event() {}
func (TickEFPEvent) event()               {}
func (MarketDataEvent) event()            {}
func (OrderStatusEvent) event()           {}
func (OpenOrderEvent) event()             {}
func (AccountValueEvent) event()          {}
func (PortfolioValueEvent) event()        {}
func (AccountUpdateTimeEvent) event()     {}
func (NextValidIDEvent) event()           {}
func (ContractDetailsEvent) event()       {}
func (BondContractDetailsEvent) event()   {}
func (ExecutionEvent) event()             {}
func (MarketDepthEvent) event()           {}
func (NewsBulletinEvent) event()          {}
func (ManagedAccountsEvent) event()       {}
func (ReceiveFAEvent) event()             {}
func (HistoricalDataEvent) event()        {}
func (ScannerParametersEvent) event()     {}
func (ScannerDataEvent) event()           {}
func (CurrentTimeEvent) event()           {}
func (RealTimeBarEvent) event()           {}
