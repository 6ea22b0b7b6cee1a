// Package services assembles the coordination layer into one explicitly
// constructed context object with an init/shutdown lifecycle. Command handlers
// receive a *Services at startup; there is no package-level mutable state.
package services

import (
	"context"
	"log"
	"time"

	"github.com/goccy/go-json"

	"github.com/alG-N/alterGoldenBot-sub007/internal/bus"
	"github.com/alG-N/alterGoldenBot-sub007/internal/cache"
	"github.com/alG-N/alterGoldenBot-sub007/internal/guilds"
	"github.com/alG-N/alterGoldenBot-sub007/internal/limits"
	"github.com/alG-N/alterGoldenBot-sub007/internal/lockdown"
)

// Request types served by every shard's dispatch table.
const (
	ReqGetStats  = "getStats"
	ReqFindGuild = "findGuild"
	ReqFindUser  = "findUser"

	// BroadcastSettingsUpdate tells peers to drop their local copy of a
	// guild's settings.
	BroadcastSettingsUpdate = "guildSettingsUpdate"
)

// ShardStats is one shard's local view, as answered over the bus.
type ShardStats struct {
	ShardID  int   `json:"shardId"`
	Guilds   int   `json:"guilds"`
	Users    int   `json:"users"`
	Channels int   `json:"channels"`
	UptimeMS int64 `json:"uptimeMs"`
}

// GuildRef locates a guild on whichever shard serves it.
type GuildRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"memberCount"`
	ShardID     int    `json:"shardId"`
}

// UserRef locates a user visible to some shard.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	ShardID  int    `json:"shardId"`
}

// AggregateStats combines every responding shard's stats.
type AggregateStats struct {
	Guilds           int          `json:"guilds"`
	Users            int          `json:"users"`
	Channels         int          `json:"channels"`
	ShardsResponding int          `json:"shardsResponding"`
	ShardsTotal      int          `json:"shardsTotal"`
	PerShard         []ShardStats `json:"perShard"`
}

// LocalState is what this process knows without asking anyone: the gateway
// library's view of the guilds and users this shard serves.
type LocalState interface {
	Stats() ShardStats
	Guild(id string) (*GuildRef, bool)
	User(id string) (*UserRef, bool)
}

// Deps are the constructed collaborators Services is assembled from.
type Deps struct {
	Redis   cache.RedisClient // nil runs fallback-only
	PubSub  bus.PubSub        // nil degrades the bus
	Gateway lockdown.Gateway
	Source  guilds.Source
	Local   LocalState

	ShardID        int
	TotalShards    int
	RequestTimeout time.Duration
	CacheOptions   cache.Options
	SettingsTTL    time.Duration
	LockdownOpts   lockdown.Options
	BusDebug       bool
	LimitsDebug    bool
}

// Services is the coordination layer handed to command handlers.
type Services struct {
	Cache    *cache.Store
	Limits   *limits.Limiter
	Bus      *bus.Messenger
	Lockdown *lockdown.Index
	Guilds   *guilds.Cache

	local          LocalState
	requestTimeout time.Duration
}

type findPayload struct {
	ID string `json:"id"`
}

// New wires the layer together. Start must be called before use.
func New(d Deps) *Services {
	store := cache.New(d.Redis, d.CacheOptions)

	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = bus.DefaultRequestTimeout
	}

	limiter := limits.New(store)
	limiter.SetDebug(d.LimitsDebug)

	s := &Services{
		Cache:  store,
		Limits: limiter,
		Bus: bus.New(d.PubSub, bus.Options{
			ShardID:        d.ShardID,
			TotalShards:    d.TotalShards,
			DefaultTimeout: timeout,
			Debug:          d.BusDebug,
		}),
		Lockdown:       lockdown.New(store, d.Gateway, d.LockdownOpts),
		Guilds:         guilds.New(store, d.Source, d.SettingsTTL),
		local:          d.Local,
		requestTimeout: timeout,
	}

	s.registerHandlers()
	return s
}

// registerHandlers fills the bus dispatch table. Static registration at
// startup keeps request routing type-checkable; there is no ad hoc
// string-typed extension point.
func (s *Services) registerHandlers() {
	s.Bus.Handle(ReqGetStats, func(context.Context, json.RawMessage) (any, error) {
		return s.local.Stats(), nil
	})
	s.Bus.Handle(ReqFindGuild, func(_ context.Context, data json.RawMessage) (any, error) {
		var p findPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		ref, ok := s.local.Guild(p.ID)
		if !ok {
			return nil, nil
		}
		return ref, nil
	})
	s.Bus.Handle(ReqFindUser, func(_ context.Context, data json.RawMessage) (any, error) {
		var p findPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		ref, ok := s.local.User(p.ID)
		if !ok {
			return nil, nil
		}
		return ref, nil
	})

	s.Bus.OnBroadcast(BroadcastSettingsUpdate, func(data json.RawMessage) {
		var p findPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		s.Guilds.Invalidate(p.ID)
	})
	s.Guilds.OnUpdate = func(guildID string) {
		if err := s.Bus.Broadcast(context.Background(), BroadcastSettingsUpdate, findPayload{ID: guildID}); err != nil {
			log.Printf("[SERVICES] settings-update broadcast failed: %v", err)
		}
	}
}

// Start brings the cache and the bus online.
func (s *Services) Start(ctx context.Context) {
	s.Cache.Start(ctx)
	s.Bus.Start(ctx)
	log.Printf("[SERVICES] started: shard %d/%d, bus %s, cache available=%v",
		s.Bus.ShardID(), s.Bus.TotalShards(), s.Bus.Mode(), s.Cache.Available())
}

// Stop shuts the layer down. Background timers must not keep the process
// alive past this call.
func (s *Services) Stop() {
	s.Bus.Stop()
	s.Cache.Stop()
	log.Printf("[SERVICES] stopped")
}

// GetAggregateStats asks every shard for its stats and combines the answers.
// Shards that miss the window are simply absent from the aggregate.
func (s *Services) GetAggregateStats(ctx context.Context) (AggregateStats, error) {
	resps, err := s.Bus.RequestAll(ctx, ReqGetStats, nil, s.requestTimeout)
	if err != nil {
		return AggregateStats{}, err
	}

	agg := AggregateStats{ShardsTotal: s.Bus.TotalShards()}
	for _, r := range resps {
		if r.Err != "" {
			log.Printf("[SERVICES] shard %d stats error: %s", r.ShardID, r.Err)
			continue
		}
		var st ShardStats
		if err := json.Unmarshal(r.Data, &st); err != nil {
			log.Printf("[SERVICES] shard %d sent unparsable stats: %v", r.ShardID, err)
			continue
		}
		agg.Guilds += st.Guilds
		agg.Users += st.Users
		agg.Channels += st.Channels
		agg.ShardsResponding++
		agg.PerShard = append(agg.PerShard, st)
	}
	return agg, nil
}

// FindGuild locates a guild anywhere in the cluster. The first shard that
// serves it wins.
func (s *Services) FindGuild(ctx context.Context, id string) (*GuildRef, bool) {
	resps, err := s.Bus.RequestAll(ctx, ReqFindGuild, findPayload{ID: id}, s.requestTimeout)
	if err != nil {
		return nil, false
	}
	for _, r := range resps {
		if r.Err != "" || len(r.Data) == 0 || string(r.Data) == "null" {
			continue
		}
		var ref GuildRef
		if err := json.Unmarshal(r.Data, &ref); err == nil && ref.ID != "" {
			return &ref, true
		}
	}
	return nil, false
}

// FindUser locates a user anywhere in the cluster.
func (s *Services) FindUser(ctx context.Context, id string) (*UserRef, bool) {
	resps, err := s.Bus.RequestAll(ctx, ReqFindUser, findPayload{ID: id}, s.requestTimeout)
	if err != nil {
		return nil, false
	}
	for _, r := range resps {
		if r.Err != "" || len(r.Data) == 0 || string(r.Data) == "null" {
			continue
		}
		var ref UserRef
		if err := json.Unmarshal(r.Data, &ref); err == nil && ref.ID != "" {
			return &ref, true
		}
	}
	return nil, false
}
