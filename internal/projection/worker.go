package projection

import (
	"context"

	"github.com/gary322/flashbets-sub012/internal/core"
)

// Broadcaster pushes processed outputs to live subscribers. The websocket
// hub satisfies this; a nil broadcaster disables the feed.
type Broadcaster interface {
	BroadcastOrder(order core.LiquidationOrder)
	BroadcastHead(sequence, tick int64)
	BroadcastBreaker(note core.BreakerNote)
}

// Worker updates the read model from processed events. The projection
// channel is non-blocking with drop: if the worker falls behind, the store
// lags and is rebuilt from the event log on restart.
type Worker struct {
	store       *Store
	inputChan   <-chan core.CoreOutput
	broadcaster Broadcaster
}

func NewWorker(store *Store, inputChan <-chan core.CoreOutput, broadcaster Broadcaster) *Worker {
	return &Worker{
		store:       store,
		inputChan:   inputChan,
		broadcaster: broadcaster,
	}
}

// Run starts the projection worker loop. Blocks until ctx is cancelled or
// the input channel is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			w.store.Apply(output)

			if w.broadcaster != nil {
				if output.Envelope != nil {
					w.broadcaster.BroadcastHead(output.Envelope.Sequence, output.Envelope.Tick)
				}
				if output.Order != nil {
					w.broadcaster.BroadcastOrder(*output.Order)
				}
				if output.Breaker != nil {
					w.broadcaster.BroadcastBreaker(*output.Breaker)
				}
			}
		}
	}
}
