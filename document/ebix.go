package document

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
)

// ebIX request document. The ebIX encoding nests identification and role
// codes differently from CIM; the parser maps both onto the same Parsed
// representation.
type ebixRequestDocument struct {
	XMLName xml.Name
	Header  ebixHeader          `xml:"HeaderEnergyDocument"`
	Context ebixProcessContext  `xml:"ProcessEnergyContext"`
	Series  []ebixPayloadSeries `xml:"PayloadEnergyTimeSeries"`
}

type ebixHeader struct {
	Identification string        `xml:"Identification"`
	DocumentType   string        `xml:"DocumentType"`
	Creation       string        `xml:"Creation"`
	Sender         ebixActorID   `xml:"SenderEnergyParty>Identification"`
	Recipient      ebixActorID   `xml:"RecipientEnergyParty>Identification"`
}

type ebixActorID struct {
	SchemeAgencyID string `xml:"schemeAgencyIdentifier,attr"`
	Value          string `xml:",chardata"`
}

type ebixProcessContext struct {
	EnergyBusinessProcess     string `xml:"EnergyBusinessProcess"`
	EnergyBusinessProcessRole string `xml:"EnergyBusinessProcessRole"`
	EnergyIndustryClassification string `xml:"EnergyIndustryClassification"`
}

type ebixPayloadSeries struct {
	Identification string         `xml:"Identification"`
	Function       string         `xml:"Function"`
	GridArea       ebixActorID    `xml:"MeteringGridAreaUsedDomainLocation>Identification"`
	DetailType     string         `xml:"DetailMeasurementMeteringPointCharacteristic>TypeOfMeteringPoint"`
	Start          string         `xml:"ObservationTimeSeriesPeriod>Start"`
	End            string         `xml:"ObservationTimeSeriesPeriod>End"`
	Resolution     string         `xml:"ObservationTimeSeriesPeriod>ResolutionDuration"`
	Observations   []ebixObservation `xml:"IntervalEnergyObservation"`
}

type ebixObservation struct {
	Position string `xml:"Position"`
	Quantity string `xml:"EnergyQuantity"`
	Quality  string `xml:"QuantityQuality"`
}

// parseEbix parses an ebIX request. The business process type is validated
// upstream; the ebIX payload's own process context is carried as the
// business reason.
func parseEbix(_ market.ProcessType, payload []byte) (*Parsed, error) {
	var doc ebixRequestDocument
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed XML: %w", err)
	}

	if err := requireFields(map[string]string{
		"HeaderEnergyDocument/Identification":        doc.Header.Identification,
		"HeaderEnergyDocument/Creation":              doc.Header.Creation,
		"SenderEnergyParty/Identification":           doc.Header.Sender.Value,
		"RecipientEnergyParty/Identification":        doc.Header.Recipient.Value,
		"ProcessEnergyContext/EnergyBusinessProcess": doc.Context.EnergyBusinessProcess,
	}); err != nil {
		return nil, err
	}
	if len(doc.Series) == 0 {
		return nil, fmt.Errorf("document must contain at least one PayloadEnergyTimeSeries element")
	}

	createdAt, err := time.Parse(time.RFC3339, doc.Header.Creation)
	if err != nil {
		return nil, fmt.Errorf("Creation: %w", err)
	}

	parsed := &Parsed{
		MessageID:      doc.Header.Identification,
		SenderNumber:   doc.Header.Sender.Value,
		SenderRole:     doc.Context.EnergyBusinessProcessRole,
		ReceiverNumber: doc.Header.Recipient.Value,
		BusinessReason: doc.Context.EnergyBusinessProcess,
		CreatedAt:      createdAt,
	}

	for _, series := range doc.Series {
		if series.Identification == "" {
			return nil, fmt.Errorf("PayloadEnergyTimeSeries: missing Identification")
		}
		start, end, err := parseEbixPeriod(series.Start, series.End)
		if err != nil {
			return nil, fmt.Errorf("PayloadEnergyTimeSeries %s: %w", series.Identification, err)
		}
		ps := ParsedSeries{
			ID:                series.Identification,
			GridArea:          series.GridArea.Value,
			MeteringPointType: series.DetailType,
			Resolution:        series.Resolution,
			PeriodStart:       start,
			PeriodEnd:         end,
		}
		for i, obs := range series.Observations {
			position := 0
			if _, err := fmt.Sscanf(obs.Position, "%d", &position); err != nil {
				return nil, fmt.Errorf("PayloadEnergyTimeSeries %s: observation %d: invalid Position %q",
					series.Identification, i, obs.Position)
			}
			ps.Points = append(ps.Points, ParsedPoint{
				Position: position,
				Quantity: obs.Quantity,
				Quality:  obs.Quality,
			})
		}
		parsed.Series = append(parsed.Series, ps)
	}

	return parsed, nil
}

func parseEbixPeriod(start, end string) (time.Time, time.Time, error) {
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("missing ObservationTimeSeriesPeriod Start/End")
	}
	startTime, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("Start: %w", err)
	}
	endTime, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("End: %w", err)
	}
	return startTime, endTime, nil
}
