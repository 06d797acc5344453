package oracle

import (
	"context"
	"log"
	"time"

	"github.com/HanTheDev/plugin-pay-gateway/internal/ethsig"
	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
)

// Oracle signs receipts and queues them for consumption.
type Oracle struct {
	outbox Outbox
	kick   func()
	now    func() time.Time
}

// New returns an Oracle. kick may be nil.
func New(outbox Outbox, kick func()) *Oracle {
	if kick == nil {
		kick = func() {}
	}
	return &Oracle{outbox: outbox, kick: kick, now: time.Now}
}

// Issue signs the tuple and queues the receipt. Queue failures are logged and
// do not affect the returned receipt.
func (o *Oracle) Issue(ctx context.Context, signer *ethsig.Signer, t Tuple) (*models.Receipt, error) {
	receipt, err := Sign(signer, t)
	if err != nil {
		return nil, err
	}

	inserted, err := o.outbox.Enqueue(context.WithoutCancel(ctx), NewTask(receipt, o.now()))
	switch {
	case err != nil:
		log.Printf("oracle: failed to queue receipt %s for plugin %d: %v", receipt.Hash, receipt.PluginID, err)
	case !inserted:
		log.Printf("oracle: receipt %s already queued", receipt.Hash)
	default:
		o.kick()
	}
	return receipt, nil
}
