package validate

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/document"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/testutil"
)

const senderGLN = "5790000000001"

func requestXML(senderRole, gridArea, meteringPointType string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<RequestAggregatedMeasureData_MarketDocument>
  <mRID>msg-1</mRID>
  <process.processType>D04</process.processType>
  <sender_MarketParticipant.mRID codingScheme="A10">` + senderGLN + `</sender_MarketParticipant.mRID>
  <sender_MarketParticipant.marketRole.type>` + senderRole + `</sender_MarketParticipant.marketRole.type>
  <receiver_MarketParticipant.mRID codingScheme="A10">5790001330552</receiver_MarketParticipant.mRID>
  <receiver_MarketParticipant.marketRole.type>DGL</receiver_MarketParticipant.marketRole.type>
  <createdDateTime>2026-01-15T10:00:00Z</createdDateTime>
  <Series>
    <mRID>series-1</mRID>
    <marketEvaluationPoint.type>` + meteringPointType + `</marketEvaluationPoint.type>
    <meteringGridArea_Domain.mRID codingScheme="NDK">` + gridArea + `</meteringGridArea_Domain.mRID>
    <start_DateAndOrTime.dateTime>2026-01-01T00:00:00Z</start_DateAndOrTime.dateTime>
    <end_DateAndOrTime.dateTime>2026-01-02T00:00:00Z</end_DateAndOrTime.dateTime>
    <period.resolution>PT1H</period.resolution>
    <quantity_Measure_Unit.name>KWH</quantity_Measure_Unit.name>
  </Series>
</RequestAggregatedMeasureData_MarketDocument>`
}

func incomingXML(payload string) document.Incoming {
	return document.Incoming{
		Payload:     []byte(payload),
		ContentType: "application/cim+xml",
		ProcessType: "requestaggregatedmeasuredata",
	}
}

func newTestValidator(t *testing.T) (*Validator, *testutil.StaticDirectory) {
	t.Helper()
	directory := testutil.NewStaticDirectory(nil)
	directory.Register(senderGLN, market.RoleEnergySupplier)
	v, err := NewValidator(directory, nil)
	require.NoError(t, err)
	return v, directory
}

func TestValidate_AcceptsValidDocument(t *testing.T) {
	v, _ := newTestValidator(t)

	result, err := v.Validate(context.Background(), incomingXML(requestXML("DDQ", "804", "E18")))
	require.NoError(t, err)
	require.True(t, result.OK())

	tx := result.Transaction
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, "msg-1", tx.Header.MessageID)
	assert.Equal(t, market.ActorNumber(senderGLN), tx.Header.SenderNumber)
	assert.Equal(t, market.RoleEnergySupplier, tx.Header.SenderRole)
	assert.Equal(t, market.ProcessRequestAggregatedMeasureData, tx.Header.ProcessType)
	assert.Equal(t, market.ReasonBalanceFixing, tx.Header.BusinessReason)
	require.Len(t, tx.ActivityRecords, 1)
	assert.Equal(t, market.GridArea("804"), tx.ActivityRecords[0].GridArea)
	assert.Equal(t, market.MeteringPointProduction, tx.ActivityRecords[0].MeteringPointType)
}

func TestValidate_UnknownMessageType(t *testing.T) {
	v, _ := newTestValidator(t)

	doc := incomingXML(requestXML("DDQ", "804", "E18"))
	doc.ContentType = "text/plain"

	result, err := v.Validate(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, market.CodeUnknownMessageType, result.Errors[0].Code)
	assert.Nil(t, result.Transaction)
}

func TestValidate_UnknownProcessType(t *testing.T) {
	v, _ := newTestValidator(t)

	doc := incomingXML(requestXML("DDQ", "804", "E18"))
	doc.ProcessType = "requestsomethingelse"

	result, err := v.Validate(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, market.CodeUnknownProcessType, result.Errors[0].Code)
}

func TestValidate_InvalidMessageStructure(t *testing.T) {
	v, _ := newTestValidator(t)

	doc := incomingXML(strings.Replace(requestXML("DDQ", "804", "E18"), "<mRID>msg-1</mRID>", "", 1))

	result, err := v.Validate(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, market.CodeInvalidMessageStructure, result.Errors[0].Code)
	// The parser detail is carried to the submitter.
	assert.Contains(t, result.Errors[0].Message, "mRID")
}

func TestValidate_UnauthorizedSenderRole(t *testing.T) {
	v, _ := newTestValidator(t)

	// MDR may not initiate an aggregation request. Exactly one
	// authorization error, nothing else, and no transaction.
	result, err := v.Validate(context.Background(), incomingXML(requestXML("MDR", "804", "E18")))
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, market.CodeSenderRoleTypeIsNotAuthorized, result.Errors[0].Code)
	assert.Nil(t, result.Transaction)
}

func TestValidate_RoleNotConfirmedByDirectory(t *testing.T) {
	directory := testutil.NewStaticDirectory(nil)
	directory.Register(senderGLN, market.RoleMeteredDataResponsible) // not DDQ
	v, err := NewValidator(directory, nil)
	require.NoError(t, err)

	result, err := v.Validate(context.Background(), incomingXML(requestXML("DDQ", "804", "E18")))
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, market.CodeSenderRoleTypeIsNotAuthorized, result.Errors[0].Code)
}

func TestValidate_DirectoryFailureIsNotARejection(t *testing.T) {
	v, directory := newTestValidator(t)
	directory.Err = errors.ErrStorageUnavailable

	result, err := v.Validate(context.Background(), incomingXML(requestXML("DDQ", "804", "E18")))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Empty(t, result.Errors)
	assert.Nil(t, result.Transaction)
}

func TestValidate_AccumulatesAllErrors(t *testing.T) {
	v, _ := newTestValidator(t)

	// Unauthorized role, bad grid area and bad metering point type in one
	// document: the submitter sees all three, in pipeline order.
	result, err := v.Validate(context.Background(), incomingXML(requestXML("MDR", "80", "E99")))
	require.NoError(t, err)
	require.Len(t, result.Errors, 3)
	assert.Equal(t, market.CodeSenderRoleTypeIsNotAuthorized, result.Errors[0].Code)
	assert.Equal(t, market.CodeInvalidActivityRecord, result.Errors[1].Code)
	assert.Equal(t, market.CodeInvalidActivityRecord, result.Errors[2].Code)
	assert.Nil(t, result.Transaction)
}

func TestValidate_AllSeriesValidated(t *testing.T) {
	v, _ := newTestValidator(t)

	// Two series, the first one broken: the second is still validated and
	// the document carries only the first one's error.
	payload := requestXML("DDQ", "80x", "E18")
	secondSeries := `  <Series>
    <mRID>series-2</mRID>
    <marketEvaluationPoint.type>E17</marketEvaluationPoint.type>
    <meteringGridArea_Domain.mRID codingScheme="NDK">805</meteringGridArea_Domain.mRID>
    <start_DateAndOrTime.dateTime>2026-01-01T00:00:00Z</start_DateAndOrTime.dateTime>
    <end_DateAndOrTime.dateTime>2026-01-02T00:00:00Z</end_DateAndOrTime.dateTime>
    <period.resolution>PT1H</period.resolution>
    <quantity_Measure_Unit.name>KWH</quantity_Measure_Unit.name>
  </Series>
`
	payload = strings.Replace(payload, "</RequestAggregatedMeasureData_MarketDocument>",
		secondSeries+"</RequestAggregatedMeasureData_MarketDocument>", 1)

	result, err := v.Validate(context.Background(), incomingXML(payload))
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, market.CodeInvalidActivityRecord, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "series-1")
}

func TestValidateSeries_PointRules(t *testing.T) {
	v, _ := newTestValidator(t)

	payload := strings.Replace(requestXML("DDQ", "804", "E18"),
		"</Series>",
		`    <Period>
      <Point><position>0</position><quantity>1</quantity><quality>A04</quality></Point>
      <Point><position>2</position><quality>A04</quality></Point>
      <Point><position>3</position><quality>A02</quality></Point>
    </Period>
  </Series>`, 1)

	result, err := v.Validate(context.Background(), incomingXML(payload))
	require.NoError(t, err)
	// Position 0 is invalid; position 2 misses its quantity without the
	// missing quality; position 3 is a legitimate gap.
	require.Len(t, result.Errors, 2)
	for _, ve := range result.Errors {
		assert.Equal(t, market.CodeInvalidActivityRecord, ve.Code)
	}
}
