// Package guilds caches per-guild settings in the shared store. Loads for the
// same guild are deduplicated with singleflight so a burst of commands right
// after a cache miss hits the backing source once.
package guilds

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alG-N/alterGoldenBot-sub007/internal/cache"
)

// DefaultSettingsTTL is how long cached settings stay valid.
const DefaultSettingsTTL = 5 * time.Minute

// Settings is the per-guild configuration the coordination layer consumes.
type Settings struct {
	Prefix             string `json:"prefix"`
	Language           string `json:"language"`
	AutomodEnabled     bool   `json:"automodEnabled"`
	SpamThreshold      int    `json:"spamThreshold"`
	DuplicateThreshold int    `json:"duplicateThreshold"`
	ModLogChannelID    string `json:"modLogChannelId,omitempty"`
}

// DefaultSettings is used for guilds the source knows nothing about.
func DefaultSettings() *Settings {
	return &Settings{
		Prefix:             "!",
		Language:           "en",
		AutomodEnabled:     true,
		SpamThreshold:      5,
		DuplicateThreshold: 3,
	}
}

// Source loads settings from the system of record (the relational store
// behind it is out of scope here).
type Source interface {
	Load(ctx context.Context, guildID string) (*Settings, error)
}

// Cache is the settings cache.
type Cache struct {
	store  *cache.Store
	source Source
	group  singleflight.Group
	ttl    time.Duration

	// OnUpdate, when set, is called after a successful Set so peers can be
	// told to drop their local copies.
	OnUpdate func(guildID string)
}

// New creates a Cache over the shared store and the settings source.
func New(store *cache.Store, source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultSettingsTTL
	}
	return &Cache{store: store, source: source, ttl: ttl}
}

func settingsKey(guildID string) string {
	return "guild:" + guildID + ":settings"
}

// Get returns the guild's settings, loading through the source on a miss.
// Source failures fall back to defaults rather than blocking the command.
func (c *Cache) Get(ctx context.Context, guildID string) *Settings {
	var s Settings
	if c.store.GetJSON(ctx, settingsKey(guildID), &s) {
		return &s
	}

	v, err, _ := c.group.Do(guildID, func() (any, error) {
		loaded, err := c.source.Load(ctx, guildID)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			loaded = DefaultSettings()
		}
		if err := c.store.SetJSON(ctx, settingsKey(guildID), loaded, c.ttl); err != nil {
			log.Printf("[GUILDS] failed to cache settings for %s: %v", guildID, err)
		}
		return loaded, nil
	})
	if err != nil {
		log.Printf("[GUILDS] settings load failed for %s, using defaults: %v", guildID, err)
		return DefaultSettings()
	}
	return v.(*Settings)
}

// Set writes the guild's settings to the cache and notifies peers.
func (c *Cache) Set(ctx context.Context, guildID string, s *Settings) error {
	if err := c.store.SetJSON(ctx, settingsKey(guildID), s, c.ttl); err != nil {
		return err
	}
	if c.OnUpdate != nil {
		c.OnUpdate(guildID)
	}
	return nil
}

// Invalidate drops this process's local fallback copy of the guild's
// settings. Used by the cross-shard update broadcast: the shared store
// already has the fresh value, only the in-process copy can be stale.
func (c *Cache) Invalidate(guildID string) {
	c.store.Fallback().Delete(settingsKey(guildID))
}
