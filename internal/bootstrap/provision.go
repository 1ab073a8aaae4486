package bootstrap

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"

	"fuse/internal/catalog"
	"fuse/internal/config"
	"fuse/internal/domain"
	"fuse/internal/logging"
	"fuse/internal/store"
)

// ProvisionResult counts the rows an upsert pass touched.
type ProvisionResult struct {
	Services  int
	Actions   int
	Reactions int
}

// CatalogWriter is the store slice provisioning writes through.
type CatalogWriter interface {
	UpsertService(ctx context.Context, svc domain.Service) error
	UpsertAction(ctx context.Context, action domain.Action) error
	UpsertReaction(ctx context.Context, reaction domain.Reaction) error
}

// Provision loads the catalog file and upserts every service, action and
// reaction so automations can reference them. An empty catalogPath falls
// back to the configured one. The schema is ensured first, which makes
// provision the bootstrap command for a fresh database.
func Provision(ctx context.Context, opts Options, catalogPath string) (ProvisionResult, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return ProvisionResult{}, err
	}
	if catalogPath == "" {
		catalogPath = cfg.Catalog.Path
	}

	cat, err := catalog.Load(catalogPath)
	if err != nil {
		return ProvisionResult{}, err
	}

	st, err := store.Open(ctx, cfg.Database.URL, int32(cfg.Database.MaxConns), logging.NewComponentLogger("Store"))
	if err != nil {
		return ProvisionResult{}, err
	}
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		return ProvisionResult{}, err
	}

	return provisionCatalog(ctx, st, cat)
}

func provisionCatalog(ctx context.Context, w CatalogWriter, cat *catalog.Catalog) (ProvisionResult, error) {
	var res ProvisionResult
	for _, svc := range cat.Services() {
		if err := w.UpsertService(ctx, svc.Service); err != nil {
			return res, fmt.Errorf("provision service %s: %w", svc.Name, err)
		}
		res.Services++

		for _, action := range svc.Actions() {
			if err := w.UpsertAction(ctx, action.Action); err != nil {
				return res, fmt.Errorf("provision action %s/%s: %w", svc.Name, action.Name, err)
			}
			res.Actions++
		}
		for _, reaction := range svc.Reactions() {
			if err := w.UpsertReaction(ctx, reaction.Reaction); err != nil {
				return res, fmt.Errorf("provision reaction %s/%s: %w", svc.Name, reaction.Name, err)
			}
			res.Reactions++
		}
	}
	return res, nil
}
