package market

import "time"

// OutgoingMessage is one computed result destined for one actor. The
// series payload is carried as structured data and only rendered into a
// market document when its bundle is peeked.
type OutgoingMessage struct {
	ID           string          `json:"id"`
	Receiver     ActorNumber     `json:"receiver"`
	ReceiverRole MarketRole      `json:"receiverRole"`
	Category     MessageCategory `json:"category"`
	DocumentType string          `json:"documentType"`
	GridArea     GridArea        `json:"gridArea"`

	// Idempotency context: the calculation event this result belongs to.
	CalculationID string `json:"calculationId"`
	EventID       string `json:"eventId"`

	Series    ResultSeries `json:"series"`
	CreatedAt time.Time    `json:"createdAt"`
}

// ResultSeries is the computed time series carried by an outgoing message.
type ResultSeries struct {
	GridArea          GridArea          `json:"gridArea"`
	MeteringPointType MeteringPointType `json:"meteringPointType"`
	Resolution        Resolution        `json:"resolution"`
	Unit              MeasurementUnit   `json:"unit"`
	PeriodStart       time.Time         `json:"periodStart"`
	PeriodEnd         time.Time         `json:"periodEnd"`
	Points            []TimeSeriesPoint `json:"points"`

	// Version of the calculation result, bumped on corrections.
	CalculationResultVersion int64 `json:"calculationResultVersion,omitempty"`
}

// ByteSize returns an upper-bound estimate of the message's serialized
// size, used by the bundling policy's payload-size limit.
func (m OutgoingMessage) ByteSize() int {
	// Fixed header overhead plus a conservative per-point estimate.
	const headerOverhead = 512
	const perPoint = 64
	return headerOverhead + perPoint*len(m.Series.Points)
}
