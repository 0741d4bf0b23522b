package ib

// SecType identifies the security type of a contract.
type SecType string

const (
	SecTypeBag    SecType = "BAG"
	SecTypeCash   SecType = "CASH"
	SecTypeFuture SecType = "FUT"
	SecTypeFutOpt SecType = "FOP"
	SecTypeIndex  SecType = "IND"
	SecTypeOption SecType = "OPT"
	SecTypeStock  SecType = "STK"
)

// OrderType is the wire name of an order type.
type OrderType string

const (
	OrderTypeLimit          OrderType = "LMT"
	OrderTypeLimitOnClose   OrderType = "LMTCLS"
	OrderTypeMarket         OrderType = "MKT"
	OrderTypeMarketOnClose  OrderType = "MKTCLS"
	OrderTypePeggedToMarket OrderType = "PEGMKT"
	OrderTypeRelative       OrderType = "REL"
	OrderTypeStop           OrderType = "STP"
	OrderTypeStopLimit      OrderType = "STPLMT"
	OrderTypeTrail          OrderType = "TRAIL"
	OrderTypeVWAP           OrderType = "VWAP"
	OrderTypeVolatility     OrderType = "VOL"
	OrderTypeNone           OrderType = "NONE"
	OrderTypeEmpty          OrderType = ""
)

// Action is the order side.
type Action string

const (
	ActionBuy       Action = "BUY"
	ActionSell      Action = "SELL"
	ActionSellShort Action = "SSHORT"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay               TimeInForce = "DAY"
	TIFGoodTillCancelled TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
)

// Side of a market depth row. The wire encodes ask as 0 and bid as 1.
type Side int

const (
	SideAsk Side = 0
	SideBid Side = 1
)

// Operation applied to a market depth row.
type Operation int

const (
	OperationInsert Operation = 0
	OperationUpdate Operation = 1
	OperationDelete Operation = 2
)

// TickType labels a single market data tick.
type TickType int

const (
	TickBidSize       TickType = 0
	TickBid           TickType = 1
	TickAsk           TickType = 2
	TickAskSize       TickType = 3
	TickLast          TickType = 4
	TickLastSize      TickType = 5
	TickHigh          TickType = 6
	TickLow           TickType = 7
	TickVolume        TickType = 8
	TickClose         TickType = 9
	TickBidOption     TickType = 10
	TickAskOption     TickType = 11
	TickLastOption    TickType = 12
	TickModelOption   TickType = 13
	TickOpen          TickType = 14
	TickLow13Week     TickType = 15
	TickHigh13Week    TickType = 16
	TickLow26Week     TickType = 17
	TickHigh26Week    TickType = 18
	TickLow52Week     TickType = 19
	TickHigh52Week    TickType = 20
	TickAvgVolume     TickType = 21
	TickOpenInterest  TickType = 22
	TickOptionHistVol TickType = 23
	TickOptionImpVol  TickType = 24
	TickOptionBidExch TickType = 25
	TickOptionAskExch TickType = 26
	TickOptionCallOI  TickType = 27
	TickOptionPutOI   TickType = 28
	TickOptionCallVol TickType = 29
	TickOptionPutVol  TickType = 30
	TickIndexFuturePremium TickType = 31
	TickBidExch       TickType = 32
	TickAskExch       TickType = 33
	TickAuctionVolume TickType = 34
	TickAuctionPrice  TickType = 35
	TickAuctionImbalance TickType = 36
	TickMarkPrice     TickType = 37
	TickBidEFP        TickType = 38
	TickAskEFP        TickType = 39
	TickLastEFP       TickType = 40
	TickOpenEFP       TickType = 41
	TickHighEFP       TickType = 42
	TickLowEFP        TickType = 43
	TickCloseEFP      TickType = 44
	TickLastTimestamp TickType = 45
	TickShortable     TickType = 46
	TickUnknown       TickType = -1
)

// TradeGeneration selects which inbound ticks synthesize trade notifications
// on an aggregated snapshot. Bits combine.
type TradeGeneration int

const (
	GenerateNone          TradeGeneration = 0
	GenerateLastSizePrice TradeGeneration = 1 << 0
	GenerateLastSize      TradeGeneration = 1 << 1
	GenerateVolume        TradeGeneration = 1 << 2
)

// HistoricalDataState tags each historical data event with its position in
// the download.
type HistoricalDataState int

const (
	HistoricalStarting HistoricalDataState = iota
	HistoricalDownloading
	HistoricalFinished
)

// FADataType selects a financial advisor configuration document.
type FADataType int

const (
	FAGroups   FADataType = 1
	FAProfiles FADataType = 2
	FAAliases  FADataType = 3
)

// LogLevel values accepted by SetServerLogLevel.
type LogLevel int

const (
	LogLevelSystem LogLevel = iota + 1
	LogLevelError
	LogLevelWarning
	LogLevelInformation
	LogLevelDetail
)
