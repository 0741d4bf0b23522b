package ib

// Order carries every order attribute the wire protocol can express. Optional
// numeric fields default to the unset sentinels so they encode as empty
// tokens until explicitly assigned.
type Order struct {
	OrderID       int
	ClientID      int
	PermID        int
	Action        Action
	TotalQuantity int
	OrderType     OrderType
	LimitPrice    float64
	AuxPrice      float64
	TIF           TimeInForce
	OCAGroup      string
	OCAType       int
	OrderRef      string
	Transmit      bool
	ParentID      int
	BlockOrder    bool
	SweepToFill   bool
	DisplaySize   int
	TriggerMethod int
	IgnoreRTH     bool
	RTHOnly       bool
	Hidden        bool
	GoodAfterTime string
	GoodTillDate  string
	OpenClose     string
	Origin        int

	SharesAllocation  string
	DiscretionaryAmt  float64
	FAGroup           string
	FAProfile         string
	FAMethod          string
	FAPercentage      string
	ShortSaleSlot     int
	DesignatedLocation string

	Rule80A                        string
	SettlingFirm                   string
	AllOrNone                      bool
	MinQty                         int
	PercentOffset                  float64
	ETradeOnly                     bool
	FirmQuoteOnly                  bool
	NBBOPriceCap                   float64
	AuctionStrategy                int
	StartingPrice                  float64
	StockRefPrice                  float64
	Delta                          float64
	StockRangeLower                float64
	StockRangeUpper                float64
	OverridePercentageConstraints  bool

	Volatility            float64
	VolatilityType        int
	ContinuousUpdate      int
	ReferencePriceType    int
	DeltaNeutralOrderType OrderType
	DeltaNeutralAuxPrice  float64

	TrailStopPrice    float64
	BasisPoints       float64
	BasisPointsType   int
	ComboLegsDescrip  string

	Account string
}

// NewOrder returns an order with the protocol defaults applied: transmit on,
// open position, and every optional numeric field unset.
func NewOrder() *Order {
	return &Order{
		OpenClose:            "O",
		Transmit:             true,
		MinQty:               UnsetInt,
		PercentOffset:        UnsetFloat,
		NBBOPriceCap:         UnsetFloat,
		StartingPrice:        UnsetFloat,
		StockRefPrice:        UnsetFloat,
		Delta:                UnsetFloat,
		StockRangeLower:      UnsetFloat,
		StockRangeUpper:      UnsetFloat,
		Volatility:           UnsetFloat,
		VolatilityType:       UnsetInt,
		DeltaNeutralAuxPrice: UnsetFloat,
		ReferencePriceType:   UnsetInt,
		TrailStopPrice:       UnsetFloat,
		BasisPoints:          UnsetFloat,
		BasisPointsType:      UnsetInt,
	}
}

// Execution reports a single fill.
type Execution struct {
	OrderID     int
	ClientID    int
	ExecID      string
	Time        string
	AcctNumber  string
	Exchange    string
	Side        string
	Shares      int
	Price       float64
	PermID      int
	Liquidation int
}

// ExecutionFilter narrows an executions request.
type ExecutionFilter struct {
	ClientID int
	AcctCode string
	Time     string
	Symbol   string
	SecType  SecType
	Exchange string
	Side     string
}

// OrderRecord pairs an order with its contract for bookkeeping on the client.
type OrderRecord struct {
	Order    *Order
	Contract *Contract
}
