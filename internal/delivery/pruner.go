package delivery

import (
	"context"
	"fmt"

	"salesops/internal/storage"
)

// PruneExpired removes expired pending_* keys from every active recipient.
// A failure on one recipient is logged and the sweep continues.
func (d *Dispatcher) PruneExpired(ctx context.Context) (int, error) {
	list, err := d.store.ListRecipients(ctx, storage.RecipientFilter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list recipients: %w", err)
	}
	total := 0
	for _, r := range list {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		now := d.clock.Now()
		if len(ExpiredKeys(r.Attributes, now)) == 0 {
			continue
		}
		var removed []string
		err := d.mutator.Mutate(ctx, r.ID, func(attrs storage.Attributes) {
			removed = ExpiredKeys(attrs, now)
			for _, k := range removed {
				attrs.Delete(k)
			}
		})
		if err != nil {
			continue
		}
		total += len(removed)
		publish(d.bus, EventPruned, now, Event{RecipientID: r.ID, Count: len(removed)})
	}
	return total, nil
}
