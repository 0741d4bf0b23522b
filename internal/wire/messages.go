package wire

// IncomingMessage is a message code sent by TWS to the client.
type IncomingMessage int

const (
	InTickPrice             IncomingMessage = 1
	InTickSize              IncomingMessage = 2
	InOrderStatus           IncomingMessage = 3
	InErrorMessage          IncomingMessage = 4
	InOpenOrder             IncomingMessage = 5
	InAccountValue          IncomingMessage = 6
	InPortfolioValue        IncomingMessage = 7
	InAccountUpdateTime     IncomingMessage = 8
	InNextValidID           IncomingMessage = 9
	InContractData          IncomingMessage = 10
	InExecutionData         IncomingMessage = 11
	InMarketDepth           IncomingMessage = 12
	InMarketDepthL2         IncomingMessage = 13
	InNewsBulletin          IncomingMessage = 14
	InManagedAccounts       IncomingMessage = 15
	InReceiveFA             IncomingMessage = 16
	InHistoricalData        IncomingMessage = 17
	InBondContractData      IncomingMessage = 18
	InScannerParameters     IncomingMessage = 19
	InScannerData           IncomingMessage = 20
	InTickOptionComputation IncomingMessage = 21
	InTickGeneric           IncomingMessage = 45
	InTickString            IncomingMessage = 46
	InTickEFP               IncomingMessage = 47
	InCurrentTime           IncomingMessage = 49
	InRealTimeBars          IncomingMessage = 50
	InUnknown               IncomingMessage = -1
)

// Valid reports whether the code belongs to the closed inbound set.
func (m IncomingMessage) Valid() bool {
	switch m {
	case InTickPrice, InTickSize, InOrderStatus, InErrorMessage, InOpenOrder,
		InAccountValue, InPortfolioValue, InAccountUpdateTime, InNextValidID,
		InContractData, InExecutionData, InMarketDepth, InMarketDepthL2,
		InNewsBulletin, InManagedAccounts, InReceiveFA, InHistoricalData,
		InBondContractData, InScannerParameters, InScannerData,
		InTickOptionComputation, InTickGeneric, InTickString, InTickEFP,
		InCurrentTime, InRealTimeBars:
		return true
	}
	return false
}

// OutgoingMessage is a request code sent by the client to TWS.
type OutgoingMessage int

const (
	OutRequestMarketData          OutgoingMessage = 1
	OutCancelMarketData           OutgoingMessage = 2
	OutPlaceOrder                 OutgoingMessage = 3
	OutCancelOrder                OutgoingMessage = 4
	OutRequestOpenOrders          OutgoingMessage = 5
	OutRequestAccountData         OutgoingMessage = 6
	OutRequestExecutions          OutgoingMessage = 7
	OutRequestIDs                 OutgoingMessage = 8
	OutRequestContractData        OutgoingMessage = 9
	OutRequestMarketDepth         OutgoingMessage = 10
	OutCancelMarketDepth          OutgoingMessage = 11
	OutRequestNewsBulletins       OutgoingMessage = 12
	OutCancelNewsBulletins        OutgoingMessage = 13
	OutSetServerLogLevel          OutgoingMessage = 14
	OutRequestAutoOpenOrders      OutgoingMessage = 15
	OutRequestAllOpenOrders       OutgoingMessage = 16
	OutRequestManagedAccounts     OutgoingMessage = 17
	OutRequestFA                  OutgoingMessage = 18
	OutReplaceFA                  OutgoingMessage = 19
	OutRequestHistoricalData      OutgoingMessage = 20
	OutExerciseOptions            OutgoingMessage = 21
	OutRequestScannerSubscription OutgoingMessage = 22
	OutCancelScannerSubscription  OutgoingMessage = 23
	OutRequestScannerParameters   OutgoingMessage = 24
	OutCancelHistoricalData       OutgoingMessage = 25
	OutRequestCurrentTime         OutgoingMessage = 49
	OutRequestRealTimeBars        OutgoingMessage = 50
	OutCancelRealTimeBars         OutgoingMessage = 51
	OutUnknown                    OutgoingMessage = -1
)

// Valid reports whether the code belongs to the closed request set.
func (m OutgoingMessage) Valid() bool {
	switch m {
	case OutRequestMarketData, OutCancelMarketData, OutPlaceOrder, OutCancelOrder,
		OutRequestOpenOrders, OutRequestAccountData, OutRequestExecutions,
		OutRequestIDs, OutRequestContractData, OutRequestMarketDepth,
		OutCancelMarketDepth, OutRequestNewsBulletins, OutCancelNewsBulletins,
		OutSetServerLogLevel, OutRequestAutoOpenOrders, OutRequestAllOpenOrders,
		OutRequestManagedAccounts, OutRequestFA, OutReplaceFA,
		OutRequestHistoricalData, OutExerciseOptions, OutRequestScannerSubscription,
		OutCancelScannerSubscription, OutRequestScannerParameters,
		OutCancelHistoricalData, OutRequestCurrentTime, OutRequestRealTimeBars,
		OutCancelRealTimeBars:
		return true
	}
	return false
}
