package ib

import "math"

// Sentinel values marking an optional field as unset. Unset fields travel
// across the wire as empty tokens and must survive a round trip unchanged.
const (
	UnsetInt   = math.MaxInt32
	UnsetFloat = math.MaxFloat64
)

// Protocol versions spoken by this implementation.
const (
	ClientVersion = 32
	ServerVersion = 34
)

// Wire formats for date fields.
const (
	ExpiryDateFormat   = "20060102"
	FullDateTimeFormat = "20060102  15:04:05"
)
