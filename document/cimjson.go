package document

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// schemaFiles maps (process type, version) to the embedded JSON schema used
// for structural validation of the CIM-JSON encoding.
var schemaFiles = map[market.ProcessType]map[string]string{
	market.ProcessRequestAggregatedMeasureData: {
		"0.1": "schemas/request-aggregated-measure-data-0.1.json",
	},
	market.ProcessRequestWholesaleSettlement: {
		"0.1": "schemas/request-wholesale-settlement-0.1.json",
	},
}

// cimJSONDocument mirrors the CIM JSON encoding: the property names with
// embedded dots match the XML element names of the CIM documents.
type cimJSONDocument struct {
	MRID            string          `json:"mRID"`
	ProcessType     valueOf         `json:"process.processType"`
	Sender          codedValue      `json:"sender_MarketParticipant.mRID"`
	SenderRole      valueOf         `json:"sender_MarketParticipant.marketRole.type"`
	Receiver        codedValue      `json:"receiver_MarketParticipant.mRID"`
	ReceiverRole    valueOf         `json:"receiver_MarketParticipant.marketRole.type"`
	CreatedDateTime string          `json:"createdDateTime"`
	Series          []cimJSONSeries `json:"Series"`
}

type valueOf struct {
	Value string `json:"value"`
}

type codedValue struct {
	CodingScheme string `json:"codingScheme"`
	Value        string `json:"value"`
}

type cimJSONSeries struct {
	MRID            string     `json:"mRID"`
	EvaluationPoint valueOf    `json:"marketEvaluationPoint.type"`
	GridArea        codedValue `json:"meteringGridArea_Domain.mRID"`
	Start           string     `json:"start_DateAndOrTime.dateTime"`
	End             string     `json:"end_DateAndOrTime.dateTime"`
}

func parseCIMJSON(process market.ProcessType, version string, payload []byte) (*Parsed, error) {
	if version == "" {
		version = "0.1"
	}
	schemaFile, ok := schemaFiles[process][version]
	if !ok {
		return nil, fmt.Errorf("no JSON schema registered for process %s version %s", process, version)
	}

	schemaBytes, err := schemaFS.ReadFile(schemaFile)
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", schemaFile, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaBytes),
		gojsonschema.NewBytesLoader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("schema validation: %s", strings.Join(details, "; "))
	}

	// Schema passed, decode the envelope. The document is nested under the
	// root property named after the document type.
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	root, ok := rootElements[process]
	if !ok {
		return nil, errUnsupportedFormat(market.FormatCIMJSON)
	}
	raw, ok := envelope[root]
	if !ok {
		return nil, fmt.Errorf("missing document root property %q", root)
	}

	var doc cimJSONDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339, doc.CreatedDateTime)
	if err != nil {
		return nil, fmt.Errorf("createdDateTime: %w", err)
	}

	parsed := &Parsed{
		MessageID:      doc.MRID,
		SenderNumber:   doc.Sender.Value,
		SenderRole:     doc.SenderRole.Value,
		ReceiverNumber: doc.Receiver.Value,
		ReceiverRole:   doc.ReceiverRole.Value,
		BusinessReason: doc.ProcessType.Value,
		CreatedAt:      createdAt,
	}

	for _, series := range doc.Series {
		start, end, err := parsePeriod(series.Start, series.End)
		if err != nil {
			return nil, fmt.Errorf("Series %s: %w", series.MRID, err)
		}
		parsed.Series = append(parsed.Series, ParsedSeries{
			ID:                series.MRID,
			GridArea:          series.GridArea.Value,
			MeteringPointType: series.EvaluationPoint.Value,
			PeriodStart:       start,
			PeriodEnd:         end,
		})
	}

	return parsed, nil
}
