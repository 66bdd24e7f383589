package orchestrate

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/natsclient"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/pkg/retry"
)

// JetStream wiring of the calculation completion feed.
const (
	// CalculationStream is the stream carrying completion events.
	CalculationStream = "EDI_CALCULATIONS"
	// CalculationSubject is the completion event subject.
	CalculationSubject = "edi.calculations.completed"
	// ConsumerDurable is the durable consumer name; it pins the
	// redelivery cursor across restarts.
	ConsumerDurable = "edi-enqueue-orchestrator"
)

// Consumer connects the orchestrator to the completion event stream.
// JetStream delivers at-least-once; HandleCompletion is idempotent by the
// job-store keys, so redelivery is harmless.
type Consumer struct {
	client       *natsclient.Client
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewConsumer creates the event consumer.
func NewConsumer(client *natsclient.Client, orchestrator *Orchestrator, logger *slog.Logger) (*Consumer, error) {
	if client == nil || orchestrator == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Consumer", "NewConsumer",
			"nats client and orchestrator are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{client: client, orchestrator: orchestrator, logger: logger}, nil
}

// Start subscribes the durable consumer. Handler errors leave the event
// unacknowledged for redelivery, except malformed events, which are
// acknowledged and dropped after logging: they can never succeed.
func (c *Consumer) Start(ctx context.Context) error {
	return c.client.Consume(ctx, CalculationStream, ConsumerDurable, CalculationSubject,
		func(ctx context.Context, data []byte) error {
			var event CalculationCompleted
			if err := json.Unmarshal(data, &event); err != nil {
				c.logger.Error("Dropping undecodable completion event", "error", err)
				return nil
			}
			err := c.orchestrator.HandleCompletion(ctx, &event)
			if err != nil && retry.IsNonRetryable(err) {
				c.logger.Error("Dropping invalid completion event",
					"calculationId", event.CalculationID, "eventId", event.EventID, "error", err)
				return nil
			}
			return err
		})
}
