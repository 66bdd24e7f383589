// Package market defines the domain vocabulary of the gateway: the closed
// enumerations of the electricity market (document formats, business
// processes, market roles, metering point types) and the value types that
// flow through validation and delivery.
//
// Enumerations are closed sets: each type carries a lookup table from the
// external wire code to the variant, and unknown codes are rejected at the
// boundary rather than carried through as open strings.
package market

import "fmt"

// DocumentFormat identifies the external encoding of an inbound document.
type DocumentFormat int

const (
	// FormatUnknown is the zero value for undetected formats.
	FormatUnknown DocumentFormat = iota
	// FormatCIMXML is the CIM XML encoding.
	FormatCIMXML
	// FormatCIMJSON is the CIM JSON encoding.
	FormatCIMJSON
	// FormatEbix is the ebIX XML encoding.
	FormatEbix
)

var documentFormatCodes = map[string]DocumentFormat{
	"application/cim+xml":  FormatCIMXML,
	"application/cim+json": FormatCIMJSON,
	"application/ebix+xml": FormatEbix,
}

// ParseDocumentFormat maps a declared content type to a DocumentFormat.
// Unknown content types return FormatUnknown and false.
func ParseDocumentFormat(contentType string) (DocumentFormat, bool) {
	f, ok := documentFormatCodes[contentType]
	return f, ok
}

// String returns the content type for the format.
func (f DocumentFormat) String() string {
	switch f {
	case FormatCIMXML:
		return "application/cim+xml"
	case FormatCIMJSON:
		return "application/cim+json"
	case FormatEbix:
		return "application/ebix+xml"
	default:
		return "unknown"
	}
}

// ProcessType identifies the business process an inbound document initiates.
type ProcessType int

const (
	// ProcessUnknown is the zero value for unrecognized processes.
	ProcessUnknown ProcessType = iota
	// ProcessRequestAggregatedMeasureData requests aggregated time series
	// for a grid area and period.
	ProcessRequestAggregatedMeasureData
	// ProcessRequestWholesaleSettlement requests wholesale settlement
	// results for a charge owner.
	ProcessRequestWholesaleSettlement
	// ProcessNotifyValidatedMeasureData submits validated metered data.
	ProcessNotifyValidatedMeasureData
)

var processTypeCodes = map[string]ProcessType{
	"requestaggregatedmeasuredata": ProcessRequestAggregatedMeasureData,
	"requestwholesalesettlement":   ProcessRequestWholesaleSettlement,
	"notifyvalidatedmeasuredata":   ProcessNotifyValidatedMeasureData,
}

// ParseProcessType maps a declared process type to a ProcessType.
func ParseProcessType(code string) (ProcessType, bool) {
	p, ok := processTypeCodes[code]
	return p, ok
}

// String returns the wire name of the process type.
func (p ProcessType) String() string {
	switch p {
	case ProcessRequestAggregatedMeasureData:
		return "requestaggregatedmeasuredata"
	case ProcessRequestWholesaleSettlement:
		return "requestwholesalesettlement"
	case ProcessNotifyValidatedMeasureData:
		return "notifyvalidatedmeasuredata"
	default:
		return "unknown"
	}
}

// Category returns the mailbox message category that results for this
// process are delivered under.
func (p ProcessType) Category() MessageCategory {
	switch p {
	case ProcessRequestAggregatedMeasureData:
		return CategoryAggregations
	case ProcessRequestWholesaleSettlement:
		return CategoryWholesaleSettlements
	case ProcessNotifyValidatedMeasureData:
		return CategoryMeasureData
	default:
		return CategoryUnknown
	}
}

// MarketRole is the role an actor acts in for a given process. Codes follow
// the ebIX role list used on the wire.
type MarketRole int

const (
	// RoleUnknown is the zero value for unrecognized roles.
	RoleUnknown MarketRole = iota
	// RoleGridOperator (DDM) operates one or more grid areas.
	RoleGridOperator
	// RoleEnergySupplier (DDQ) supplies energy to metering points.
	RoleEnergySupplier
	// RoleBalanceResponsible (DDK) is financially responsible for imbalance.
	RoleBalanceResponsible
	// RoleMeteredDataResponsible (MDR) submits validated metered data.
	RoleMeteredDataResponsible
)

var marketRoleCodes = map[string]MarketRole{
	"DDM": RoleGridOperator,
	"DDQ": RoleEnergySupplier,
	"DDK": RoleBalanceResponsible,
	"MDR": RoleMeteredDataResponsible,
}

// ParseMarketRole maps an ebIX role code to a MarketRole.
func ParseMarketRole(code string) (MarketRole, bool) {
	r, ok := marketRoleCodes[code]
	return r, ok
}

// Code returns the ebIX wire code for the role.
func (r MarketRole) Code() string {
	switch r {
	case RoleGridOperator:
		return "DDM"
	case RoleEnergySupplier:
		return "DDQ"
	case RoleBalanceResponsible:
		return "DDK"
	case RoleMeteredDataResponsible:
		return "MDR"
	default:
		return ""
	}
}

// String returns a readable name for the role.
func (r MarketRole) String() string {
	switch r {
	case RoleGridOperator:
		return "grid_operator"
	case RoleEnergySupplier:
		return "energy_supplier"
	case RoleBalanceResponsible:
		return "balance_responsible"
	case RoleMeteredDataResponsible:
		return "metered_data_responsible"
	default:
		return "unknown"
	}
}

// authorizedRoles maps each process type to the roles allowed to submit it.
var authorizedRoles = map[ProcessType][]MarketRole{
	ProcessRequestAggregatedMeasureData: {RoleGridOperator, RoleEnergySupplier, RoleBalanceResponsible},
	ProcessRequestWholesaleSettlement:   {RoleGridOperator, RoleEnergySupplier},
	ProcessNotifyValidatedMeasureData:   {RoleMeteredDataResponsible, RoleGridOperator},
}

// RoleMayInitiate reports whether role is authorized to submit documents
// for the given process type.
func RoleMayInitiate(role MarketRole, process ProcessType) bool {
	for _, allowed := range authorizedRoles[process] {
		if allowed == role {
			return true
		}
	}
	return false
}

// MessageCategory partitions an actor's mailbox. Bundles never mix
// categories.
type MessageCategory int

const (
	// CategoryUnknown is the zero value for unrecognized categories.
	CategoryUnknown MessageCategory = iota
	// CategoryAggregations carries aggregated measure data results.
	CategoryAggregations
	// CategoryWholesaleSettlements carries wholesale settlement results.
	CategoryWholesaleSettlements
	// CategoryMeasureData carries forwarded validated measure data.
	CategoryMeasureData
)

var messageCategoryCodes = map[string]MessageCategory{
	"aggregations":         CategoryAggregations,
	"wholesalesettlements": CategoryWholesaleSettlements,
	"measuredata":          CategoryMeasureData,
}

// ParseMessageCategory maps a wire name to a MessageCategory.
func ParseMessageCategory(code string) (MessageCategory, bool) {
	c, ok := messageCategoryCodes[code]
	return c, ok
}

// String returns the wire name of the category.
func (c MessageCategory) String() string {
	switch c {
	case CategoryAggregations:
		return "aggregations"
	case CategoryWholesaleSettlements:
		return "wholesalesettlements"
	case CategoryMeasureData:
		return "measuredata"
	default:
		return "unknown"
	}
}

// MeteringPointType classifies the metering point a series belongs to.
// Codes follow the CIM evaluation point type list.
type MeteringPointType string

const (
	// MeteringPointConsumption is E17.
	MeteringPointConsumption MeteringPointType = "E17"
	// MeteringPointProduction is E18.
	MeteringPointProduction MeteringPointType = "E18"
	// MeteringPointExchange is E20.
	MeteringPointExchange MeteringPointType = "E20"
)

// ParseMeteringPointType validates a CIM evaluation point type code.
func ParseMeteringPointType(code string) (MeteringPointType, bool) {
	switch MeteringPointType(code) {
	case MeteringPointConsumption, MeteringPointProduction, MeteringPointExchange:
		return MeteringPointType(code), true
	}
	return "", false
}

// Resolution is the period resolution of a time series.
type Resolution string

const (
	// ResolutionQuarterHour is PT15M.
	ResolutionQuarterHour Resolution = "PT15M"
	// ResolutionHour is PT1H.
	ResolutionHour Resolution = "PT1H"
	// ResolutionMonth is P1M, used for wholesale settlement totals.
	ResolutionMonth Resolution = "P1M"
)

// ParseResolution validates an ISO 8601 duration resolution code.
func ParseResolution(code string) (Resolution, bool) {
	switch Resolution(code) {
	case ResolutionQuarterHour, ResolutionHour, ResolutionMonth:
		return Resolution(code), true
	}
	return "", false
}

// MeasurementUnit is the unit of measure for quantities.
type MeasurementUnit string

const (
	// UnitKWH is kilowatt hours.
	UnitKWH MeasurementUnit = "KWH"
	// UnitMWH is megawatt hours.
	UnitMWH MeasurementUnit = "MWH"
)

// ParseMeasurementUnit validates a unit code.
func ParseMeasurementUnit(code string) (MeasurementUnit, bool) {
	switch MeasurementUnit(code) {
	case UnitKWH, UnitMWH:
		return MeasurementUnit(code), true
	}
	return "", false
}

// QuantityQuality is the quality indicator attached to a point.
type QuantityQuality string

const (
	// QualityMissing is A02.
	QualityMissing QuantityQuality = "A02"
	// QualityEstimated is A03.
	QualityEstimated QuantityQuality = "A03"
	// QualityMeasured is A04.
	QualityMeasured QuantityQuality = "A04"
	// QualityIncomplete is A05.
	QualityIncomplete QuantityQuality = "A05"
)

// ParseQuantityQuality validates a quality code.
func ParseQuantityQuality(code string) (QuantityQuality, bool) {
	switch QuantityQuality(code) {
	case QualityMissing, QualityEstimated, QualityMeasured, QualityIncomplete:
		return QuantityQuality(code), true
	}
	return "", false
}

// BusinessReason is the business reason code on a document header.
type BusinessReason string

const (
	// ReasonPreliminaryAggregation is D03.
	ReasonPreliminaryAggregation BusinessReason = "D03"
	// ReasonBalanceFixing is D04.
	ReasonBalanceFixing BusinessReason = "D04"
	// ReasonWholesaleFixing is D05.
	ReasonWholesaleFixing BusinessReason = "D05"
	// ReasonCorrection is D32.
	ReasonCorrection BusinessReason = "D32"
)

// ParseBusinessReason validates a business reason code.
func ParseBusinessReason(code string) (BusinessReason, bool) {
	switch BusinessReason(code) {
	case ReasonPreliminaryAggregation, ReasonBalanceFixing, ReasonWholesaleFixing, ReasonCorrection:
		return BusinessReason(code), true
	}
	return "", false
}

// GridArea is a three-digit grid area code.
type GridArea string

// Validate reports whether the grid area code is well formed.
func (g GridArea) Validate() error {
	if len(g) != 3 {
		return fmt.Errorf("grid area %q: must be a 3-digit code", string(g))
	}
	for _, r := range g {
		if r < '0' || r > '9' {
			return fmt.Errorf("grid area %q: must be a 3-digit code", string(g))
		}
	}
	return nil
}
