package market

import "time"

// Header carries the sender/receiver identification and the business
// context of a market document.
type Header struct {
	MessageID      string         `json:"messageId"`
	SenderNumber   ActorNumber    `json:"senderNumber"`
	SenderRole     MarketRole     `json:"senderRole"`
	ReceiverNumber ActorNumber    `json:"receiverNumber"`
	ReceiverRole   MarketRole     `json:"receiverRole"`
	ProcessType    ProcessType    `json:"processType"`
	BusinessReason BusinessReason `json:"businessReason"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// TimeSeriesPoint is one observation within an activity record.
type TimeSeriesPoint struct {
	Position int             `json:"position"`
	Quantity string          `json:"quantity,omitempty"` // decimal string, absent when quality is missing
	Quality  QuantityQuality `json:"quality"`
}

// ActivityRecord is one domain record of a market document, e.g. one time
// series for one grid area and metering point type.
type ActivityRecord struct {
	ID                string            `json:"id"`
	GridArea          GridArea          `json:"gridArea"`
	MeteringPointType MeteringPointType `json:"meteringPointType"`
	Resolution        Resolution        `json:"resolution,omitempty"`
	Unit              MeasurementUnit   `json:"unit,omitempty"`
	PeriodStart       time.Time         `json:"periodStart"`
	PeriodEnd         time.Time         `json:"periodEnd"`
	Points            []TimeSeriesPoint `json:"points,omitempty"`
}

// MarketTransaction is the internal command produced from a document that
// passed all validation. It is immutable once created: the factory is its
// only producer and downstream handlers must not mutate it.
type MarketTransaction struct {
	ID              string           `json:"id"`
	Header          Header           `json:"header"`
	ActivityRecords []ActivityRecord `json:"activityRecords"`
}

// ValidationError is one problem found while validating a document.
// Errors are values accumulated into a list; they are never raised as
// panics across the pipeline boundary.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes of the validation pipeline. The code strings are part of
// the external contract and must not change.
const (
	CodeUnknownMessageType            = "UnknownMessageType"
	CodeUnknownProcessType            = "UnknownProcessType"
	CodeInvalidMessageStructure       = "InvalidMessageStructure"
	CodeSenderRoleTypeIsNotAuthorized = "SenderRoleTypeIsNotAuthorized"
	CodeInvalidActivityRecord         = "InvalidActivityRecord"
)

// UnknownMessageType is returned when the declared format is not a known
// document encoding.
func UnknownMessageType(contentType string) ValidationError {
	return ValidationError{
		Code:    CodeUnknownMessageType,
		Message: "unknown message type: " + contentType,
	}
}

// UnknownProcessType is returned when the declared business process is not
// in the enumerated set.
func UnknownProcessType(process string) ValidationError {
	return ValidationError{
		Code:    CodeUnknownProcessType,
		Message: "unknown business process type: " + process,
	}
}

// InvalidMessageStructure is returned when the document does not conform
// to the schema for its format and process type. The underlying parser
// message is carried for the submitter.
func InvalidMessageStructure(detail string) ValidationError {
	return ValidationError{
		Code:    CodeInvalidMessageStructure,
		Message: "message does not conform to the expected structure: " + detail,
	}
}

// SenderRoleTypeIsNotAuthorized is returned when the sender's role may not
// initiate the declared process type.
func SenderRoleTypeIsNotAuthorized(role MarketRole, process ProcessType) ValidationError {
	return ValidationError{
		Code:    CodeSenderRoleTypeIsNotAuthorized,
		Message: "sender role " + role.String() + " is not authorized for process " + process.String(),
	}
}

// InvalidActivityRecord is returned per failing activity record; sibling
// records are still validated.
func InvalidActivityRecord(recordID, detail string) ValidationError {
	return ValidationError{
		Code:    CodeInvalidActivityRecord,
		Message: "activity record " + recordID + ": " + detail,
	}
}
