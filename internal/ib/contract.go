package ib

import (
	"fmt"
	"strings"
)

// ComboLeg is one leg of a combination (BAG) contract.
type ComboLeg struct {
	ConID     int
	Ratio     int
	Action    Action
	Exchange  string
	OpenClose int
}

// Contract identifies a tradable instrument.
type Contract struct {
	Symbol          string
	SecType         SecType
	Expiry          string
	Strike          float64
	Right           string
	Multiplier      string
	Exchange        string
	Currency        string
	LocalSymbol     string
	PrimaryExchange string
	IncludeExpired  bool
	ComboLegs       []ComboLeg

	// Bond issuer block, populated from bond contract details.
	Cusip         string
	Ratings       string
	DescAppend    string
	BondType      string
	CouponType    string
	Callable      bool
	Putable       bool
	Coupon        float64
	Convertible   bool
	Maturity      string
	IssueDate     string
	NextOptionDate    string
	NextOptionType    string
	NextOptionPartial bool
	Notes             string
}

// Equal reports whether two contracts identify the same instrument. Only the
// identity fields participate; descriptive fields are ignored.
func (c *Contract) Equal(o *Contract) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Exchange == o.Exchange &&
		c.Symbol == o.Symbol &&
		c.Currency == o.Currency &&
		c.Expiry == o.Expiry &&
		c.SecType == o.SecType &&
		c.Strike == o.Strike &&
		c.Multiplier == o.Multiplier &&
		len(c.ComboLegs) == len(o.ComboLegs)
}

// Key returns a map key covering the same fields as Equal.
func (c *Contract) Key() string {
	return strings.Join([]string{
		c.Exchange, c.Symbol, c.Currency, c.Expiry, string(c.SecType),
		fmt.Sprintf("%g", c.Strike), c.Multiplier, fmt.Sprintf("%d", len(c.ComboLegs)),
	}, "|")
}

func (c *Contract) String() string {
	if c.LocalSymbol != "" {
		return c.LocalSymbol
	}
	return fmt.Sprintf("%s %s %s@%s", c.Symbol, c.SecType, c.Currency, c.Exchange)
}

// ContractDetails carries the descriptive data returned for a contract
// details request.
type ContractDetails struct {
	Summary        Contract
	MarketName     string
	TradingClass   string
	ConID          int
	MinTick        float64
	Multiplier     string
	PriceMagnifier int
	OrderTypes     string
	ValidExchanges string
}
