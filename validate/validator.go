// Package validate implements the inbound validation pipeline: structural
// and business-rule validation of external market documents and their
// conversion into internal market transactions.
//
// The pipeline always returns a result. Validation problems are values
// accumulated into an ordered list covering the whole document; they are
// never raised as panics and never truncated to the first finding.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/document"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
)

// ActorDirectory looks up the roles an actor is registered with. It is an
// external master-data collaborator; the validator treats it as a pure
// lookup.
type ActorDirectory interface {
	RolesOf(ctx context.Context, actor market.ActorNumber) ([]market.MarketRole, error)
}

// Result is the outcome of validating one document: either exactly one
// transaction, or the full ordered list of validation errors.
type Result struct {
	Transaction *market.MarketTransaction
	Errors      []market.ValidationError
}

// OK reports whether validation produced a transaction.
func (r Result) OK() bool {
	return r.Transaction != nil && len(r.Errors) == 0
}

// Validator validates inbound documents. Structural failures are fatal for
// the document; business-rule failures aggregate so the submitter sees
// every problem in one response.
type Validator struct {
	directory ActorDirectory
	logger    *slog.Logger
}

// NewValidator creates a validator backed by the given actor directory.
func NewValidator(directory ActorDirectory, logger *slog.Logger) (*Validator, error) {
	if directory == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Validator", "NewValidator", "actor directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{directory: directory, logger: logger}, nil
}

// Validate runs the full pipeline for one inbound document. The returned
// error is reserved for infrastructure failures (directory lookup); all
// document problems are reported through Result.Errors.
func (v *Validator) Validate(ctx context.Context, doc document.Incoming) (Result, error) {
	// Format detection. Without a known format nothing else can run.
	format, ok := market.ParseDocumentFormat(doc.ContentType)
	if !ok {
		return Result{Errors: []market.ValidationError{market.UnknownMessageType(doc.ContentType)}}, nil
	}

	// Process-type check. The schema registry is keyed by process type,
	// so an unknown process is also fatal for the document.
	process, ok := market.ParseProcessType(strings.ToLower(doc.ProcessType))
	if !ok {
		return Result{Errors: []market.ValidationError{market.UnknownProcessType(doc.ProcessType)}}, nil
	}

	// Structural validation. A parser or schema failure is always fatal;
	// the parser message is carried to the submitter.
	parsed, err := document.Parse(format, process, doc)
	if err != nil {
		return Result{Errors: []market.ValidationError{market.InvalidMessageStructure(err.Error())}}, nil
	}

	var errs []market.ValidationError

	// Sender authorization. The declared role must be allowed to initiate
	// the process, and the directory must confirm the actor holds it.
	senderRole, authErr := v.authorizeSender(ctx, parsed, process)
	if authErr != nil {
		return Result{}, authErr
	}
	if senderRole == market.RoleUnknown {
		errs = append(errs, market.SenderRoleTypeIsNotAuthorized(parseRoleLenient(parsed.SenderRole), process))
	}

	// Record-level validation. Each series is validated independently; a
	// failing record never aborts validation of its siblings.
	for _, series := range parsed.Series {
		errs = append(errs, validateSeries(series)...)
	}

	if len(errs) > 0 {
		v.logger.Info("Document rejected",
			"messageId", parsed.MessageID, "process", process.String(), "errors", len(errs))
		return Result{Errors: errs}, nil
	}

	tx := newTransaction(parsed, process, senderRole)
	v.logger.Info("Document accepted",
		"messageId", parsed.MessageID, "process", process.String(), "transactionId", tx.ID,
		"records", len(tx.ActivityRecords))
	return Result{Transaction: tx}, nil
}

// authorizeSender returns the confirmed sender role, or RoleUnknown when
// the sender is not authorized. Directory failures are returned as errors
// so the submitter is not falsely rejected on infrastructure problems.
func (v *Validator) authorizeSender(ctx context.Context, parsed *document.Parsed, process market.ProcessType) (market.MarketRole, error) {
	declared, ok := market.ParseMarketRole(parsed.SenderRole)
	if !ok {
		return market.RoleUnknown, nil
	}
	if !market.RoleMayInitiate(declared, process) {
		return market.RoleUnknown, nil
	}

	registered, err := v.directory.RolesOf(ctx, market.ActorNumber(parsed.SenderNumber))
	if err != nil {
		return market.RoleUnknown, errors.WrapTransient(err, "Validator", "authorizeSender", "actor directory lookup")
	}
	for _, role := range registered {
		if role == declared {
			return declared, nil
		}
	}
	return market.RoleUnknown, nil
}

func parseRoleLenient(code string) market.MarketRole {
	role, _ := market.ParseMarketRole(code)
	return role
}

func validateSeries(series document.ParsedSeries) []market.ValidationError {
	var errs []market.ValidationError

	if err := market.GridArea(series.GridArea).Validate(); err != nil {
		errs = append(errs, market.InvalidActivityRecord(series.ID, err.Error()))
	}
	if series.MeteringPointType != "" {
		if _, ok := market.ParseMeteringPointType(series.MeteringPointType); !ok {
			errs = append(errs, market.InvalidActivityRecord(series.ID,
				fmt.Sprintf("unknown metering point type %q", series.MeteringPointType)))
		}
	}
	if series.Resolution != "" {
		if _, ok := market.ParseResolution(series.Resolution); !ok {
			errs = append(errs, market.InvalidActivityRecord(series.ID,
				fmt.Sprintf("unknown resolution %q", series.Resolution)))
		}
	}
	if series.Unit != "" {
		if _, ok := market.ParseMeasurementUnit(series.Unit); !ok {
			errs = append(errs, market.InvalidActivityRecord(series.ID,
				fmt.Sprintf("unknown measurement unit %q", series.Unit)))
		}
	}
	if !series.PeriodEnd.After(series.PeriodStart) {
		errs = append(errs, market.InvalidActivityRecord(series.ID, "period end must be after period start"))
	}
	for _, point := range series.Points {
		if point.Position <= 0 {
			errs = append(errs, market.InvalidActivityRecord(series.ID,
				fmt.Sprintf("point position %d must be positive", point.Position)))
			continue
		}
		if point.Quality != "" {
			if _, ok := market.ParseQuantityQuality(point.Quality); !ok {
				errs = append(errs, market.InvalidActivityRecord(series.ID,
					fmt.Sprintf("point %d: unknown quality %q", point.Position, point.Quality)))
			}
		}
		if point.Quantity == "" && market.QuantityQuality(point.Quality) != market.QualityMissing {
			errs = append(errs, market.InvalidActivityRecord(series.ID,
				fmt.Sprintf("point %d: quantity required unless quality is missing", point.Position)))
		}
	}

	return errs
}

// newTransaction maps a fully validated document into the internal market
// transaction command. Exactly one transaction is created per document,
// keyed by a fresh identifier; all activity records become part of it.
func newTransaction(parsed *document.Parsed, process market.ProcessType, senderRole market.MarketRole) *market.MarketTransaction {
	reason, _ := market.ParseBusinessReason(parsed.BusinessReason)

	tx := &market.MarketTransaction{
		ID: uuid.NewString(),
		Header: market.Header{
			MessageID:      parsed.MessageID,
			SenderNumber:   market.ActorNumber(parsed.SenderNumber),
			SenderRole:     senderRole,
			ReceiverNumber: market.ActorNumber(parsed.ReceiverNumber),
			ReceiverRole:   parseRoleLenient(parsed.ReceiverRole),
			ProcessType:    process,
			BusinessReason: reason,
			CreatedAt:      parsed.CreatedAt,
		},
	}

	for _, series := range parsed.Series {
		record := market.ActivityRecord{
			ID:                series.ID,
			GridArea:          market.GridArea(series.GridArea),
			MeteringPointType: market.MeteringPointType(series.MeteringPointType),
			Resolution:        market.Resolution(series.Resolution),
			Unit:              market.MeasurementUnit(series.Unit),
			PeriodStart:       series.PeriodStart,
			PeriodEnd:         series.PeriodEnd,
		}
		for _, point := range series.Points {
			record.Points = append(record.Points, market.TimeSeriesPoint{
				Position: point.Position,
				Quantity: point.Quantity,
				Quality:  market.QuantityQuality(point.Quality),
			})
		}
		tx.ActivityRecords = append(tx.ActivityRecords, record)
	}

	return tx
}
