package types

// RejectCode is the machine readable reason attached to every rejection.
type RejectCode string

const (
	RejectValidation          RejectCode = "VALIDATION_FAILED"
	RejectUnknownSymbol       RejectCode = "UNKNOWN_SYMBOL"
	RejectOrderSize           RejectCode = "ORDER_SIZE_LIMIT"
	RejectExposureLimit       RejectCode = "EXPOSURE_LIMIT"
	RejectSymbolExposureLimit RejectCode = "SYMBOL_EXPOSURE_LIMIT"
	RejectOpenPositions       RejectCode = "OPEN_POSITIONS_LIMIT"
	RejectNoReferencePrice    RejectCode = "NO_REFERENCE_PRICE"
	RejectRiskTimeout         RejectCode = "RISK_TIMEOUT"
	RejectRiskUnavailable     RejectCode = "RISK_UNAVAILABLE"
	RejectExposureUnavailable RejectCode = "EXPOSURE_UNAVAILABLE"
	RejectNoVenue             RejectCode = "NO_VENUE_AVAILABLE"
	RejectVenue               RejectCode = "VENUE_REJECTED"
	RejectInterrupted         RejectCode = "INTERRUPTED"
)

// CancelOutcome is returned to callers of CancelOrder.
type CancelOutcome string

const (
	CancelDone            CancelOutcome = "CANCELLED"
	CancelPending         CancelOutcome = "CANCEL_PENDING"
	CancelTooLate         CancelOutcome = "TOO_LATE"
	CancelAlreadyTerminal CancelOutcome = "ALREADY_TERMINAL"
)

// CancelResponse is the body returned by the cancel endpoint.
type CancelResponse struct {
	OrderID string        `json:"order_id"`
	Outcome CancelOutcome `json:"outcome"`
	Order   *Order        `json:"order"`
}

// SubmitResponse is the body returned by the submit endpoint.
type SubmitResponse struct {
	Order    *Order `json:"order"`
	Replayed bool   `json:"replayed"`
}
