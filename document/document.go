// Package document handles the external document encodings of the market:
// parsing and structural validation of inbound CIM-XML, CIM-JSON and ebIX
// documents, and rendering of outgoing market documents for peek responses.
//
// The element and property names in this package are part of the external
// compatibility surface and must not be changed.
package document

import (
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
)

// Incoming is an inbound document as received from a market participant:
// the raw payload plus the declared format and business process type.
// It is transient, created per request and discarded after validation.
type Incoming struct {
	Payload     []byte
	ContentType string // declared format, e.g. "application/cim+xml"
	ProcessType string // declared business process, e.g. "requestaggregatedmeasuredata"
	Version     string // declared protocol version, e.g. "0.1"
}

// Parsed is the format-independent representation of a structurally valid
// document, consumed by the business-rule validator.
type Parsed struct {
	MessageID      string
	SenderNumber   string
	SenderRole     string
	ReceiverNumber string
	ReceiverRole   string
	BusinessReason string
	CreatedAt      time.Time
	Series         []ParsedSeries
}

// ParsedSeries is one activity record of a parsed document.
type ParsedSeries struct {
	ID                string
	GridArea          string
	MeteringPointType string
	Resolution        string
	Unit              string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	Points            []ParsedPoint
}

// ParsedPoint is one observation of a parsed series.
type ParsedPoint struct {
	Position int
	Quantity string
	Quality  string
}

// Parse structurally validates the document payload against the schema
// registered for (format, process type, version) and returns the parsed
// representation. A parse failure returns an error carrying the underlying
// parser message; it never panics past this boundary.
func Parse(format market.DocumentFormat, process market.ProcessType, doc Incoming) (*Parsed, error) {
	switch format {
	case market.FormatCIMXML:
		return parseCIMXML(process, doc.Payload)
	case market.FormatCIMJSON:
		return parseCIMJSON(process, doc.Version, doc.Payload)
	case market.FormatEbix:
		return parseEbix(process, doc.Payload)
	default:
		return nil, errUnsupportedFormat(format)
	}
}
