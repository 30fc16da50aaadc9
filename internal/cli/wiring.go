package cli

import (
	"fmt"
	"log/slog"

	"github.com/buildtall-systems/storefront/internal/config"
	"github.com/buildtall-systems/storefront/internal/db"
	"github.com/buildtall-systems/storefront/internal/notify"
	"github.com/buildtall-systems/storefront/internal/printful"
	"github.com/buildtall-systems/storefront/internal/reconcile"
)

// openStore opens the database and brings the schema up to date.
func openStore(cfg *config.Config) (*db.DB, error) {
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func newFulfillmentClient(cfg *config.Config) (*printful.Client, error) {
	if cfg.Fulfillment.Token == "" {
		return nil, fmt.Errorf("%w: fulfillment.token (STOREFRONT_FULFILLMENT_TOKEN)", config.ErrMissingSecret)
	}
	return printful.NewClient(cfg.Fulfillment.BaseURL, cfg.Fulfillment.Token,
		printful.WithStoreID(cfg.Fulfillment.StoreID),
		printful.WithConfirm(cfg.Fulfillment.Confirm),
		printful.WithTimeout(cfg.Fulfillment.Timeout),
	), nil
}

// newNotifier returns Nop unless Nostr alerts are configured. The returned
// func releases relay connections.
func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, func(), error) {
	nc := cfg.Alerts.Nostr
	if !nc.Enabled() {
		return notify.Nop{}, func() {}, nil
	}

	kr, pubkey, err := notify.KeyerFromSecret(nc.Secret)
	if err != nil {
		return nil, nil, fmt.Errorf("alerts.nostr.secret: %w", err)
	}
	admins, err := notify.DecodePubkeys(nc.Admins)
	if err != nil {
		return nil, nil, fmt.Errorf("alerts.nostr.admins: %w", err)
	}

	pool := notify.NewRelayPool(nc.Relays, logger)
	logger.Info("operator alerts enabled", "admins", len(admins), "relays", nc.Relays)
	return notify.NewNostr(kr, pubkey, admins, pool, logger), pool.Close, nil
}

func newReconciler(cfg *config.Config, store *db.DB, logger *slog.Logger) (*reconcile.Reconciler, func(), error) {
	fulfiller, err := newFulfillmentClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	notifier, closeNotifier, err := newNotifier(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	rec := reconcile.New(store, fulfiller,
		reconcile.WithNotifier(notifier),
		reconcile.WithLogger(logger),
		reconcile.WithMarker(cfg.Payments.MetadataMarker),
		reconcile.WithStoreTimeout(cfg.Store.Timeout),
		reconcile.WithFulfillmentTimeout(cfg.Fulfillment.Timeout),
	)
	return rec, closeNotifier, nil
}
