// Package lockdown tracks which channels are locked, per guild, in the shared
// cache, so any shard (and any moderator command, on any process) sees the
// same lock state. The actual permission mutation happens through a gateway
// interface owned by the bot layer; this package owns the bookkeeping and the
// restore-on-unlock semantics.
package lockdown

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/alG-N/alterGoldenBot-sub007/internal/cache"
)

// PermSendMessages is the permission bit denied while a channel is locked.
const PermSendMessages int64 = 1 << 11

const (
	// DefaultRecordTTL is a safety net: if a process crashes mid-lockdown the
	// bookkeeping expires instead of wedging the guild forever. The external
	// channel may stay locked until a moderator intervenes; accepted trade-off.
	DefaultRecordTTL = 24 * time.Hour

	// DefaultPacing spaces bulk lock/unlock calls to respect the external
	// system's rate limits.
	DefaultPacing = 250 * time.Millisecond
)

// Overwrite is a role's permission overwrite on a channel.
type Overwrite struct {
	Allow int64 `json:"allow"`
	Deny  int64 `json:"deny"`
}

// ChannelInfo describes one guild channel as seen by the gateway.
type ChannelInfo struct {
	ID         string
	Name       string
	Manageable bool // the bot may edit this channel's overwrites
}

// Gateway is the external system applying permission changes. The Discord
// implementation lives with the bot's presentation layer; tests use fakes.
type Gateway interface {
	GuildChannels(ctx context.Context, guildID string) ([]ChannelInfo, error)
	// Overwrite returns the role's current overwrite, or nil when none exists.
	Overwrite(ctx context.Context, channelID, roleID string) (*Overwrite, error)
	SetOverwrite(ctx context.Context, channelID, roleID string, ow Overwrite, reason string) error
	ClearOverwrite(ctx context.Context, channelID, roleID string, reason string) error
}

// Record is the persisted lock state for one channel. Permissions holds the
// pre-lock overwrite per role (nil when the role had none) for restoration.
type Record struct {
	Locked      bool                  `json:"locked"`
	Permissions map[string]*Overwrite `json:"permissions"`
}

// Result is the outcome of a single lock or unlock. Expected caller mistakes
// (already locked, not locked) come back here, not as errors.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BulkResult aggregates a guild-wide lock or unlock.
type BulkResult struct {
	Success []string `json:"success"`
	Failed  []string `json:"failed"`
	Skipped []string `json:"skipped"`
}

// Index is the per-guild lock state index.
type Index struct {
	store     *cache.Store
	gw        Gateway
	recordTTL time.Duration
	pacing    time.Duration
}

// Options configures an Index.
type Options struct {
	RecordTTL time.Duration
	Pacing    time.Duration
}

// New creates an Index over the shared store and the permission gateway.
func New(store *cache.Store, gw Gateway, opts Options) *Index {
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = DefaultRecordTTL
	}
	if opts.Pacing < 0 {
		opts.Pacing = 0
	} else if opts.Pacing == 0 {
		opts.Pacing = DefaultPacing
	}
	return &Index{store: store, gw: gw, recordTTL: opts.RecordTTL, pacing: opts.Pacing}
}

func recordKey(guildID, channelID string) string {
	return fmt.Sprintf("lockdown:%s:%s", guildID, channelID)
}

func indexKey(guildID string) string {
	return "lockdown:index:" + guildID
}

// LockChannel locks channelID in guildID: captures the everyone-role
// overwrite for later restoration, denies sending, and records the lock.
// roleID is the guild's everyone role (same id as the guild on Discord).
func (x *Index) LockChannel(ctx context.Context, guildID, channelID, reason string) Result {
	key := recordKey(guildID, channelID)

	var existing Record
	if x.store.GetJSON(ctx, key, &existing) && existing.Locked {
		return Result{Success: false, Error: "already locked"}
	}

	roleID := guildID
	prev, err := x.gw.Overwrite(ctx, channelID, roleID)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("read overwrite: %v", err)}
	}

	locked := Overwrite{Deny: PermSendMessages}
	if prev != nil {
		locked.Allow = prev.Allow &^ PermSendMessages
		locked.Deny = prev.Deny | PermSendMessages
	}
	if err := x.gw.SetOverwrite(ctx, channelID, roleID, locked, reason); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("apply overwrite: %v", err)}
	}

	rec := Record{Locked: true, Permissions: map[string]*Overwrite{roleID: prev}}
	if err := x.store.SetJSON(ctx, key, rec, x.recordTTL); err != nil {
		log.Printf("[LOCKDOWN] failed to persist lock record for %s: %v", key, err)
	}
	x.indexAdd(ctx, guildID, channelID)

	return Result{Success: true}
}

// UnlockChannel restores the captured overwrite (or clears it when none
// existed before the lock) and removes the bookkeeping.
func (x *Index) UnlockChannel(ctx context.Context, guildID, channelID, reason string) Result {
	key := recordKey(guildID, channelID)

	var rec Record
	if !x.store.GetJSON(ctx, key, &rec) || !rec.Locked {
		return Result{Success: false, Error: "not locked"}
	}

	roleID := guildID
	prev := rec.Permissions[roleID]
	var err error
	if prev == nil {
		err = x.gw.ClearOverwrite(ctx, channelID, roleID, reason)
	} else {
		err = x.gw.SetOverwrite(ctx, channelID, roleID, *prev, reason)
	}
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("restore overwrite: %v", err)}
	}

	x.store.Delete(ctx, key)
	x.indexRemove(ctx, guildID, channelID)

	return Result{Success: true}
}

// LockServer locks every manageable channel in the guild except the excluded
// ids, pacing calls to stay inside external rate limits. Channels already
// locked are reported as skipped.
func (x *Index) LockServer(ctx context.Context, guildID, reason string, exclude []string) (BulkResult, error) {
	channels, err := x.gw.GuildChannels(ctx, guildID)
	if err != nil {
		return BulkResult{}, fmt.Errorf("list channels: %w", err)
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var out BulkResult
	first := true
	for _, ch := range channels {
		if excluded[ch.ID] || !ch.Manageable {
			out.Skipped = append(out.Skipped, ch.ID)
			continue
		}
		if !first {
			x.pace(ctx)
		}
		first = false

		res := x.LockChannel(ctx, guildID, ch.ID, reason)
		switch {
		case res.Success:
			out.Success = append(out.Success, ch.ID)
		case res.Error == "already locked":
			out.Skipped = append(out.Skipped, ch.ID)
		default:
			log.Printf("[LOCKDOWN] lock %s/%s failed: %s", guildID, ch.ID, res.Error)
			out.Failed = append(out.Failed, ch.ID)
		}
	}
	return out, nil
}

// UnlockServer unlocks every channel recorded in the guild's index.
func (x *Index) UnlockServer(ctx context.Context, guildID, reason string) (BulkResult, error) {
	locked, err := x.GetLockStatus(ctx, guildID)
	if err != nil {
		return BulkResult{}, err
	}

	var out BulkResult
	for i, channelID := range locked {
		if i > 0 {
			x.pace(ctx)
		}
		res := x.UnlockChannel(ctx, guildID, channelID, reason)
		switch {
		case res.Success:
			out.Success = append(out.Success, channelID)
		case res.Error == "not locked":
			out.Skipped = append(out.Skipped, channelID)
		default:
			log.Printf("[LOCKDOWN] unlock %s/%s failed: %s", guildID, channelID, res.Error)
			out.Failed = append(out.Failed, channelID)
		}
	}
	return out, nil
}

// GetLockStatus lists the channel ids currently locked in guildID.
func (x *Index) GetLockStatus(ctx context.Context, guildID string) ([]string, error) {
	var ids []string
	x.store.GetJSON(ctx, indexKey(guildID), &ids)
	return ids, nil
}

func (x *Index) pace(ctx context.Context) {
	if x.pacing <= 0 {
		return
	}
	select {
	case <-time.After(x.pacing):
	case <-ctx.Done():
	}
}

func (x *Index) indexAdd(ctx context.Context, guildID, channelID string) {
	var ids []string
	x.store.GetJSON(ctx, indexKey(guildID), &ids)
	for _, id := range ids {
		if id == channelID {
			return
		}
	}
	ids = append(ids, channelID)
	if err := x.store.SetJSON(ctx, indexKey(guildID), ids, x.recordTTL); err != nil {
		log.Printf("[LOCKDOWN] failed to persist index for %s: %v", guildID, err)
	}
}

func (x *Index) indexRemove(ctx context.Context, guildID, channelID string) {
	var ids []string
	if !x.store.GetJSON(ctx, indexKey(guildID), &ids) {
		return
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != channelID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		x.store.Delete(ctx, indexKey(guildID))
		return
	}
	if err := x.store.SetJSON(ctx, indexKey(guildID), kept, x.recordTTL); err != nil {
		log.Printf("[LOCKDOWN] failed to persist index for %s: %v", guildID, err)
	}
}
