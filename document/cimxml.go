package document

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
)

func errUnsupportedFormat(f market.DocumentFormat) error {
	return fmt.Errorf("no parser registered for format %s", f)
}

// cimParticipant is a market participant mRID element with its coding
// scheme attribute (A10 = GLN, A01 = EIC).
type cimParticipant struct {
	CodingScheme string `xml:"codingScheme,attr"`
	Value        string `xml:",chardata"`
}

// cimRequestDocument covers the request document shapes shared by
// RequestAggregatedMeasureData and RequestWholesaleSettlement.
type cimRequestDocument struct {
	XMLName        xml.Name
	MRID           string           `xml:"mRID"`
	Type           string           `xml:"type"`
	ProcessType    string           `xml:"process.processType"`
	Sender         cimParticipant   `xml:"sender_MarketParticipant.mRID"`
	SenderRole     string           `xml:"sender_MarketParticipant.marketRole.type"`
	Receiver       cimParticipant   `xml:"receiver_MarketParticipant.mRID"`
	ReceiverRole   string           `xml:"receiver_MarketParticipant.marketRole.type"`
	CreatedDateTime string          `xml:"createdDateTime"`
	Series         []cimRequestSeries `xml:"Series"`
}

type cimRequestSeries struct {
	MRID              string         `xml:"mRID"`
	EvaluationPoint   string         `xml:"marketEvaluationPoint.type"`
	GridArea          cimParticipant `xml:"meteringGridArea_Domain.mRID"`
	EnergySupplier    cimParticipant `xml:"energySupplier_MarketParticipant.mRID"`
	Start             string         `xml:"start_DateAndOrTime.dateTime"`
	End               string         `xml:"end_DateAndOrTime.dateTime"`
	Resolution        string         `xml:"period.resolution"`
	Unit              string         `xml:"quantity_Measure_Unit.name"`
	Points            []cimPoint     `xml:"Period>Point"`
}

type cimPoint struct {
	Position int    `xml:"position"`
	Quantity string `xml:"quantity"`
	Quality  string `xml:"quality"`
}

// rootElements maps each process type to the expected CIM document root.
var rootElements = map[market.ProcessType]string{
	market.ProcessRequestAggregatedMeasureData: "RequestAggregatedMeasureData_MarketDocument",
	market.ProcessRequestWholesaleSettlement:   "RequestWholesaleSettlement_MarketDocument",
	market.ProcessNotifyValidatedMeasureData:   "NotifyValidatedMeasureData_MarketDocument",
}

func parseCIMXML(process market.ProcessType, payload []byte) (*Parsed, error) {
	var doc cimRequestDocument
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed XML: %w", err)
	}

	root, ok := rootElements[process]
	if !ok {
		return nil, errUnsupportedFormat(market.FormatCIMXML)
	}
	if doc.XMLName.Local != root {
		return nil, fmt.Errorf("unexpected document root %q, expected %q", doc.XMLName.Local, root)
	}

	if err := requireFields(map[string]string{
		"mRID":                         doc.MRID,
		"process.processType":          doc.ProcessType,
		"sender_MarketParticipant.mRID": doc.Sender.Value,
		"sender_MarketParticipant.marketRole.type": doc.SenderRole,
		"receiver_MarketParticipant.mRID":          doc.Receiver.Value,
		"createdDateTime":                          doc.CreatedDateTime,
	}); err != nil {
		return nil, err
	}
	if len(doc.Series) == 0 {
		return nil, fmt.Errorf("document must contain at least one Series element")
	}

	createdAt, err := time.Parse(time.RFC3339, doc.CreatedDateTime)
	if err != nil {
		return nil, fmt.Errorf("createdDateTime: %w", err)
	}

	parsed := &Parsed{
		MessageID:      doc.MRID,
		SenderNumber:   doc.Sender.Value,
		SenderRole:     doc.SenderRole,
		ReceiverNumber: doc.Receiver.Value,
		ReceiverRole:   doc.ReceiverRole,
		BusinessReason: doc.ProcessType,
		CreatedAt:      createdAt,
	}

	for i, series := range doc.Series {
		if series.MRID == "" {
			return nil, fmt.Errorf("Series[%d]: missing mRID", i)
		}
		start, end, err := parsePeriod(series.Start, series.End)
		if err != nil {
			return nil, fmt.Errorf("Series %s: %w", series.MRID, err)
		}
		ps := ParsedSeries{
			ID:                series.MRID,
			GridArea:          series.GridArea.Value,
			MeteringPointType: series.EvaluationPoint,
			Resolution:        series.Resolution,
			Unit:              series.Unit,
			PeriodStart:       start,
			PeriodEnd:         end,
		}
		for _, p := range series.Points {
			ps.Points = append(ps.Points, ParsedPoint{
				Position: p.Position,
				Quantity: p.Quantity,
				Quality:  p.Quality,
			})
		}
		parsed.Series = append(parsed.Series, ps)
	}

	return parsed, nil
}

func parsePeriod(start, end string) (time.Time, time.Time, error) {
	if start == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("missing start_DateAndOrTime.dateTime")
	}
	if end == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("missing end_DateAndOrTime.dateTime")
	}
	startTime, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_DateAndOrTime.dateTime: %w", err)
	}
	endTime, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end_DateAndOrTime.dateTime: %w", err)
	}
	return startTime, endTime, nil
}

func requireFields(fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			return fmt.Errorf("missing required element %s", name)
		}
	}
	return nil
}
