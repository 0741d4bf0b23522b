package ib

import "fmt"

// NoValidID marks notifications that are not tied to a request or order.
const NoValidID = -1

// NoValidCode marks notifications without a protocol error code.
const NoValidCode = -1

// Error is a protocol error with its wire code. DropDead errors terminate
// the connection.
type Error struct {
	Code     int
	Message  string
	DropDead bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("tws error %d: %s", e.Code, e.Message)
}

func newError(code int, message string, dropDead bool) *Error {
	return &Error{Code: code, Message: message, DropDead: dropDead}
}

// Server-reported request errors.
var (
	ErrMaxRateExceeded       = newError(100, "Max rate of messages per second has been exceeded.", false)
	ErrMaxTickersReached     = newError(101, "Max number of tickers has been reached.", false)
	ErrDuplicateTickerID     = newError(102, "Duplicate ticker ID.", false)
	ErrDuplicateOrderID      = newError(103, "Duplicate order ID.", false)
	ErrCannotModifyFilled    = newError(104, "Can't modify a filled order.", false)
	ErrOrderMismatch         = newError(105, "Order being modified does not match original order.", false)
	ErrCannotTransmitOrderID = newError(106, "Can't transmit order ID:", false)
	ErrCannotTransmitIncompleteOrder = newError(107, "Cannot transmit incomplete order.", false)
	ErrBadPrice              = newError(109, "Price is out of the range defined by the Percentage setting at order defaults frame. The order will not be transmitted.", false)
	ErrBadPriceIncrement     = newError(110, "The price does not conform to the minimum price variation for this contract.", false)
	ErrBadTIF                = newError(111, "The TIF (Tif type) and the order type are incompatible.", false)
	ErrNoSecDefFound         = newError(200, "No security definition has been found for the request.", false)
	ErrOrderRejected         = newError(201, "Order rejected - Reason:", false)
	ErrOrderCancelled        = newError(202, "Order canceled - Reason:", false)
	ErrSecurityUnavailable   = newError(203, "The security is not available or allowed for this account.", false)
	ErrUnknownHistoricalRequest = newError(300, "Can't find EId with ticker Id:", false)
	ErrInvalidTickerAction   = newError(301, "Invalid ticker action:", false)
	ErrHistoricalDataServiceError = newError(321, "Error validating request:", false)
	ErrNoMarketDepthPermission = newError(374, "You do not have market depth data permissions for this contract.", false)
)

// Client-side connection errors.
var (
	ErrAlreadyConnected = newError(501, "Already connected.", false)
	ErrConnectFail      = newError(502, "Couldn't connect to TWS. Confirm that \"Enable ActiveX and Socket Clients\" is enabled on the TWS \"Configure->API\" menu.", false)
	ErrUpdateTWS        = newError(503, "The TWS is out of date and must be upgraded.", false)
	ErrNotConnected     = newError(504, "Not connected.", false)
	ErrUnknownID        = newError(505, "Fatal Error: Unknown message id.", false)
)

// Client-side send failures.
var (
	ErrFailSendReqMkt       = newError(510, "Request Market Data Sending Error -", false)
	ErrFailSendCanMkt       = newError(511, "Cancel Market Data Sending Error -", false)
	ErrFailSendOrder        = newError(512, "Order Sending Error -", false)
	ErrFailSendAcct         = newError(513, "Account Update Request Sending Error -", false)
	ErrFailSendExec         = newError(514, "Request For Executions Sending Error -", false)
	ErrFailSendCOrder       = newError(515, "Cancel Order Sending Error -", false)
	ErrFailSendOOrder       = newError(516, "Request Open Order Sending Error -", false)
	ErrUnknownContract      = newError(517, "Unknown contract. Verify the contract details supplied.", false)
	ErrFailSendReqContract  = newError(518, "Request Contract Data Sending Error -", false)
	ErrFailSendReqMktDepth  = newError(519, "Request Market Depth Sending Error -", false)
	ErrFailSendCanMktDepth  = newError(520, "Cancel Market Depth Sending Error -", false)
	ErrFailSendServerLogLevel = newError(521, "Set Server Log Level Sending Error -", false)
	ErrFailSendFARequest    = newError(522, "FA Information Request Sending Error -", false)
	ErrFailSendFAReplace    = newError(523, "FA Information Replace Sending Error -", false)
	ErrFailSendReqScanner   = newError(524, "Request Scanner Subscription Sending Error -", false)
	ErrFailSendCanScanner   = newError(525, "Cancel Scanner Subscription Sending Error -", false)
	ErrFailSendReqScannerParameters = newError(526, "Request Scanner Parameter Sending Error -", false)
	ErrFailSendReqHistData  = newError(527, "Request Historical Data Sending Error -", false)
	ErrFailSendCanHistData  = newError(528, "Cancel Historical Data Sending Error -", false)
	ErrFailSendReqRTBars    = newError(529, "Request Real-time Bar Data Sending Error -", false)
	ErrFailSendCanRTBars    = newError(530, "Cancel Real-time Bar Data Sending Error -", false)
	ErrFailSendReqCurrTime  = newError(531, "Request Current Time Sending Error -", false)
)

// Connectivity notifications the server pushes.
var (
	ErrConnectivityLost           = newError(1100, "Connectivity between IB and TWS has been lost.", false)
	ErrConnectivityRestoredNoData = newError(1101, "Connectivity between IB and TWS has been restored - data lost.", false)
	ErrConnectivityRestoredData   = newError(1102, "Connectivity between IB and TWS has been restored - data maintained.", false)
	ErrConnectionDropped          = newError(1300, "TWS socket port has been reset and this connection is being dropped. Please reconnect on the new port.", true)
	ErrMarketDataFarmDisconnected = newError(2103, "A market data farm is disconnected.", false)
	ErrMarketDataFarmConnected    = newError(2104, "A market data farm is connected.", false)
	ErrHistDataFarmDisconnected   = newError(2105, "A historical data farm is disconnected.", false)
	ErrHistDataFarmConnected      = newError(2106, "A historical data farm is connected.", false)
	ErrHistDataFarmInactive       = newError(2107, "A historical data farm connection has become inactive but should be available upon demand.", false)
	ErrMarketDataFarmInactive     = newError(2108, "A market data farm connection has become inactive but should be available upon demand.", false)
)

var errorsByCode = map[int]*Error{}

func init() {
	for _, e := range []*Error{
		ErrMaxRateExceeded, ErrMaxTickersReached, ErrDuplicateTickerID, ErrDuplicateOrderID,
		ErrCannotModifyFilled, ErrOrderMismatch, ErrCannotTransmitOrderID,
		ErrCannotTransmitIncompleteOrder, ErrBadPrice, ErrBadPriceIncrement, ErrBadTIF,
		ErrNoSecDefFound, ErrOrderRejected, ErrOrderCancelled, ErrSecurityUnavailable,
		ErrUnknownHistoricalRequest, ErrInvalidTickerAction, ErrHistoricalDataServiceError,
		ErrNoMarketDepthPermission,
		ErrAlreadyConnected, ErrConnectFail, ErrUpdateTWS, ErrNotConnected, ErrUnknownID,
		ErrFailSendReqMkt, ErrFailSendCanMkt, ErrFailSendOrder, ErrFailSendAcct,
		ErrFailSendExec, ErrFailSendCOrder, ErrFailSendOOrder, ErrUnknownContract,
		ErrFailSendReqContract, ErrFailSendReqMktDepth, ErrFailSendCanMktDepth,
		ErrFailSendServerLogLevel, ErrFailSendFARequest, ErrFailSendFAReplace,
		ErrFailSendReqScanner, ErrFailSendCanScanner, ErrFailSendReqScannerParameters,
		ErrFailSendReqHistData, ErrFailSendCanHistData, ErrFailSendReqRTBars,
		ErrFailSendCanRTBars, ErrFailSendReqCurrTime,
		ErrConnectivityLost, ErrConnectivityRestoredNoData, ErrConnectivityRestoredData,
		ErrConnectionDropped, ErrMarketDataFarmDisconnected, ErrMarketDataFarmConnected,
		ErrHistDataFarmDisconnected, ErrHistDataFarmConnected, ErrHistDataFarmInactive,
		ErrMarketDataFarmInactive,
	} {
		errorsByCode[e.Code] = e
	}
}

// ErrorByCode resolves a wire error code to its catalog entry. Unknown codes
// yield a generic non-fatal error so decoding never stalls on new codes.
func ErrorByCode(code int, message string) *Error {
	if e, ok := errorsByCode[code]; ok {
		if message == "" || message == e.Message {
			return e
		}
		return &Error{Code: code, Message: message, DropDead: e.DropDead}
	}
	return &Error{Code: code, Message: message}
}
