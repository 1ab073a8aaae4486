package catalog

import (
	"context"
	"fmt"

	"fuse/internal/domain"
)

// Provisioner is the slice of the store the provision step writes through.
type Provisioner interface {
	UpsertService(ctx context.Context, svc domain.Service) error
	UpsertAction(ctx context.Context, action domain.Action) error
	UpsertReaction(ctx context.Context, reaction domain.Reaction) error
}

// ProvisionStats counts what one provision run wrote.
type ProvisionStats struct {
	Services  int
	Actions   int
	Reactions int
}

// Provision writes every catalog service, action and reaction into the
// store. Existing rows are updated in place; nothing is deleted, so removing
// a catalog entry never strands automations that still reference it.
func (c *Catalog) Provision(ctx context.Context, dst Provisioner) (ProvisionStats, error) {
	var stats ProvisionStats
	for _, svc := range c.Services() {
		if err := dst.UpsertService(ctx, svc.Service); err != nil {
			return stats, fmt.Errorf("provision service %s: %w", svc.Name, err)
		}
		stats.Services++
		for _, action := range svc.Actions() {
			if err := dst.UpsertAction(ctx, action.Action); err != nil {
				return stats, fmt.Errorf("provision action %s/%s: %w", svc.Name, action.Name, err)
			}
			stats.Actions++
		}
		for _, reaction := range svc.Reactions() {
			if err := dst.UpsertReaction(ctx, reaction.Reaction); err != nil {
				return stats, fmt.Errorf("provision reaction %s/%s: %w", svc.Name, reaction.Name, err)
			}
			stats.Reactions++
		}
	}
	return stats, nil
}
