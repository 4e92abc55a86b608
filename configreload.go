package kiln

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kiln-systems/kiln/internal/configwatch"
	"github.com/kiln-systems/kiln/internal/models"
	"github.com/kiln-systems/kiln/internal/safety"
	"github.com/kiln-systems/kiln/internal/webhook"
)

// webhookSubscriptionFile is the on-disk shape of cfg.WebhookSubscriptionsFile:
// a flat declarative list, reconciled against the live dispatcher and store
// on every load rather than appended to. IDs are optional; a subscription
// without one is keyed by URL for reconciliation purposes so the file can be
// hand-edited without an operator minting ULIDs.
type webhookSubscriptionFile struct {
	Subscriptions []webhookSubscriptionEntry `yaml:"subscriptions"`
}

type webhookSubscriptionEntry struct {
	ID         string   `yaml:"id"`
	URL        string   `yaml:"url"`
	EventKinds []string `yaml:"event_kinds"`
	Secret     string   `yaml:"secret"`
}

func loadWebhookSubscriptionsFile(path string) ([]models.WebhookSubscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kiln: read webhook subscriptions file: %w", err)
	}
	var doc webhookSubscriptionFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("kiln: parse webhook subscriptions file: %w", err)
	}
	out := make([]models.WebhookSubscription, 0, len(doc.Subscriptions))
	for _, e := range doc.Subscriptions {
		if e.URL == "" {
			return nil, fmt.Errorf("kiln: webhook subscriptions file: entry missing url")
		}
		id := e.ID
		if id == "" {
			id = "file:" + e.URL
		}
		out = append(out, models.WebhookSubscription{
			ID:         id,
			URL:        e.URL,
			EventKinds: e.EventKinds,
			Secret:     e.Secret,
		})
	}
	return out, nil
}

// reconcileWebhookSubscriptions replaces every webhook subscription whose ID
// begins with "file:" (i.e. every subscription this mechanism itself ever
// installed) with desired, leaving subscriptions registered through
// RegisterWebhook untouched. A full reload computes the new world and diffs
// against the old one, so repeated reloads never accumulate stale entries.
func (c *Core) reconcileWebhookSubscriptions(ctx context.Context, desired []models.WebhookSubscription) error {
	existing, err := c.store.ListWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("kiln: reconcile webhooks: list existing: %w", err)
	}

	want := make(map[string]models.WebhookSubscription, len(desired))
	for _, sub := range desired {
		want[sub.ID] = sub
	}

	for _, sub := range existing {
		if len(sub.ID) < 5 || sub.ID[:5] != "file:" {
			continue
		}
		if _, stillWanted := want[sub.ID]; stillWanted {
			continue
		}
		if err := c.DeleteWebhook(ctx, sub.ID); err != nil {
			return fmt.Errorf("kiln: reconcile webhooks: remove %s: %w", sub.ID, err)
		}
	}

	for id, sub := range want {
		if err := webhook.ValidateURL(sub.URL); err != nil {
			c.log.WarnCtx(ctx, "kiln: skipping invalid webhook subscription from file", "id", id, "err", err)
			continue
		}
		sub.CreatedAt = c.clk.Now()
		if err := c.store.RegisterWebhook(ctx, sub); err != nil {
			return fmt.Errorf("kiln: reconcile webhooks: persist %s: %w", id, err)
		}
		if err := c.webhooks.Register(sub); err != nil {
			c.log.WarnCtx(ctx, "kiln: reconcile webhooks: dispatcher rejected subscription", "id", id, "err", err)
		}
	}
	return nil
}

// startConfigWatchers wires fsnotify-based hot reload for the two optional
// file-backed config knobs. Either or both may be unset, in which case no
// watcher is built for that knob. Each watcher's onChange callback recomputes
// a full desired state and reconciles, rather than patching incrementally.
func (c *Core) startConfigWatchers(ctx context.Context) {
	if c.cfg.SafetyProfileDir != "" {
		w, err := configwatch.New(c.cfg.SafetyProfileDir, true, func() {
			profiles, err := safety.LoadProfileOverrides(c.cfg.SafetyProfileDir)
			if err != nil {
				c.log.ErrorCtx(ctx, "kiln: safety profile reload failed", "err", err)
				return
			}
			c.safetyStore.SetOverrides(profiles)
			c.log.InfoCtx(ctx, "kiln: safety profile overrides reloaded", "count", len(profiles))
		}, func(err error) {
			c.log.ErrorCtx(ctx, "kiln: safety profile watcher error", "err", err)
		}, c.log)
		if err != nil {
			c.log.ErrorCtx(ctx, "kiln: could not start safety profile watcher", "err", err)
		} else {
			c.profileWatcher = w
			go w.Start(ctx)
		}
	}

	if c.cfg.WebhookSubscriptionsFile != "" {
		w, err := configwatch.New(c.cfg.WebhookSubscriptionsFile, false, func() {
			desired, err := loadWebhookSubscriptionsFile(c.cfg.WebhookSubscriptionsFile)
			if err != nil {
				c.log.ErrorCtx(ctx, "kiln: webhook subscriptions reload failed", "err", err)
				return
			}
			if err := c.reconcileWebhookSubscriptions(ctx, desired); err != nil {
				c.log.ErrorCtx(ctx, "kiln: webhook subscriptions reconcile failed", "err", err)
				return
			}
			c.log.InfoCtx(ctx, "kiln: webhook subscriptions reloaded", "count", len(desired))
		}, func(err error) {
			c.log.ErrorCtx(ctx, "kiln: webhook subscriptions watcher error", "err", err)
		}, c.log)
		if err != nil {
			c.log.ErrorCtx(ctx, "kiln: could not start webhook subscriptions watcher", "err", err)
		} else {
			c.webhookFileWatcher = w
			go w.Start(ctx)
		}
	}
}

func (c *Core) stopConfigWatchers() {
	if c.profileWatcher != nil {
		_ = c.profileWatcher.Stop()
	}
	if c.webhookFileWatcher != nil {
		_ = c.webhookFileWatcher.Stop()
	}
}
