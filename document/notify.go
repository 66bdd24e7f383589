package document

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
)

// NotifyAggregatedMeasureData is the CIM document type delivered for
// aggregation results. The root element name is part of the external
// contract.
const NotifyAggregatedMeasureData = "NotifyAggregatedMeasureData_MarketDocument"

// NotifyWholesaleServices is the CIM document type delivered for
// wholesale settlement results.
const NotifyWholesaleServices = "NotifyWholesaleServices_MarketDocument"

// xmlnsAggregated is the namespace of the notify aggregated document.
const xmlnsAggregated = "urn:ediel.org:measure:notifyaggregatedmeasuredata:0:1"

type notifyDocument struct {
	XMLName         xml.Name       `xml:"NotifyAggregatedMeasureData_MarketDocument"`
	Xmlns           string         `xml:"xmlns,attr"`
	MRID            string         `xml:"mRID"`
	Type            string         `xml:"type"`
	ProcessType     string         `xml:"process.processType"`
	Sender          cimParticipant `xml:"sender_MarketParticipant.mRID"`
	SenderRole      string         `xml:"sender_MarketParticipant.marketRole.type"`
	Receiver        cimParticipant `xml:"receiver_MarketParticipant.mRID"`
	ReceiverRole    string         `xml:"receiver_MarketParticipant.marketRole.type"`
	CreatedDateTime string         `xml:"createdDateTime"`
	Series          []notifySeries `xml:"Series"`
}

type notifySeries struct {
	MRID            string         `xml:"mRID"`
	Version         int64          `xml:"version"`
	EvaluationPoint string         `xml:"marketEvaluationPoint.type"`
	GridArea        cimParticipant `xml:"meteringGridArea_Domain.mRID"`
	Unit            string         `xml:"quantity_Measure_Unit.name"`
	Period          notifyPeriod   `xml:"Period"`
}

type notifyPeriod struct {
	Resolution string           `xml:"resolution"`
	Interval   notifyInterval   `xml:"timeInterval"`
	Points     []notifyPoint    `xml:"Point"`
}

type notifyInterval struct {
	Start string `xml:"start"`
	End   string `xml:"end"`
}

type notifyPoint struct {
	Position int    `xml:"position"`
	Quantity string `xml:"quantity,omitempty"`
	Quality  string `xml:"quality"`
}

// senderIdentity is the gateway's own identity on outgoing documents.
type senderIdentity struct {
	Number market.ActorNumber
	Role   string
}

// DefaultSender is the metering point administrator identity stamped on
// outgoing documents.
var DefaultSender = senderIdentity{
	Number: "5790001330552",
	Role:   "DGL",
}

// RenderNotifyAggregated renders the outgoing messages of one bundle into a
// NotifyAggregatedMeasureData_MarketDocument. All messages must belong to
// the same receiver; one message becomes one Series element, in bundle
// order.
func RenderNotifyAggregated(bundleID string, receiver market.ActorNumber, receiverRole market.MarketRole, messages []market.OutgoingMessage, now time.Time) ([]byte, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("bundle %s has no messages to render", bundleID)
	}

	doc := notifyDocument{
		Xmlns:           xmlnsAggregated,
		MRID:            bundleID,
		Type:            "E31",
		ProcessType:     string(market.ReasonBalanceFixing),
		Sender:          cimParticipant{CodingScheme: "A10", Value: string(DefaultSender.Number)},
		SenderRole:      DefaultSender.Role,
		Receiver:        cimParticipant{CodingScheme: "A10", Value: string(receiver)},
		ReceiverRole:    receiverRole.Code(),
		CreatedDateTime: now.UTC().Format(time.RFC3339),
	}

	for _, msg := range messages {
		if msg.Receiver != receiver {
			return nil, fmt.Errorf("bundle %s mixes receivers %s and %s", bundleID, receiver, msg.Receiver)
		}
		series := notifySeries{
			MRID:            msg.ID,
			Version:         msg.Series.CalculationResultVersion,
			EvaluationPoint: string(msg.Series.MeteringPointType),
			GridArea:        cimParticipant{CodingScheme: "NDK", Value: string(msg.Series.GridArea)},
			Unit:            string(msg.Series.Unit),
			Period: notifyPeriod{
				Resolution: string(msg.Series.Resolution),
				Interval: notifyInterval{
					Start: msg.Series.PeriodStart.UTC().Format(time.RFC3339),
					End:   msg.Series.PeriodEnd.UTC().Format(time.RFC3339),
				},
			},
		}
		for _, p := range msg.Series.Points {
			series.Period.Points = append(series.Period.Points, notifyPoint{
				Position: p.Position,
				Quantity: p.Quantity,
				Quality:  string(p.Quality),
			})
		}
		doc.Series = append(doc.Series, series)
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal notify document: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
