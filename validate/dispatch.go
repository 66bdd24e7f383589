package validate

import (
	"context"
	"encoding/json"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/natsclient"
)

// Dispatcher hands a validated transaction to downstream business
// processing. Delivery is fire-and-forget from the pipeline's point of
// view; processing results come back later as outgoing messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, tx *market.MarketTransaction) error
}

// TransactionStream is the JetStream stream transactions are published to.
const TransactionStream = "EDI_TRANSACTIONS"

// TransactionSubjectPrefix prefixes the per-process dispatch subjects.
const TransactionSubjectPrefix = "edi.transactions."

// NATSDispatcher publishes validated transactions to the transaction
// stream, one subject per process type. The transaction id doubles as the
// JetStream message id so redelivered intakes do not duplicate commands.
type NATSDispatcher struct {
	client *natsclient.Client
}

// NewNATSDispatcher creates a dispatcher over the given client.
func NewNATSDispatcher(client *natsclient.Client) (*NATSDispatcher, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSDispatcher", "NewNATSDispatcher", "nats client is required")
	}
	return &NATSDispatcher{client: client}, nil
}

// Dispatch publishes the transaction.
func (d *NATSDispatcher) Dispatch(ctx context.Context, tx *market.MarketTransaction) error {
	if tx == nil {
		return errors.WrapInvalid(nil, "NATSDispatcher", "Dispatch", "transaction cannot be nil")
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return errors.WrapFatal(err, "NATSDispatcher", "Dispatch", "marshal transaction")
	}
	subject := TransactionSubjectPrefix + tx.Header.ProcessType.String()
	if err := d.client.Publish(ctx, subject, data, tx.Header.MessageID); err != nil {
		return errors.WrapTransient(err, "NATSDispatcher", "Dispatch", "publish transaction")
	}
	return nil
}
