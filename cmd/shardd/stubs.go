package main

import (
	"context"
	"time"

	"github.com/alG-N/alterGoldenBot-sub007/internal/guilds"
	"github.com/alG-N/alterGoldenBot-sub007/internal/lockdown"
	"github.com/alG-N/alterGoldenBot-sub007/internal/services"
)

// The bot process wires the real Discord gateway session, the settings
// database and the guild/user registry into these seams. Running shardd
// standalone uses the stubs below, which is enough to exercise the cache,
// the bus and the admin surface.

type gatewayStub struct{}

func (gatewayStub) GuildChannels(context.Context, string) ([]lockdown.ChannelInfo, error) {
	return nil, nil
}

func (gatewayStub) Overwrite(context.Context, string, string) (*lockdown.Overwrite, error) {
	return nil, nil
}

func (gatewayStub) SetOverwrite(context.Context, string, string, lockdown.Overwrite, string) error {
	return nil
}

func (gatewayStub) ClearOverwrite(context.Context, string, string, string) error {
	return nil
}

type defaultSource struct{}

func (defaultSource) Load(context.Context, string) (*guilds.Settings, error) {
	return nil, nil // guilds.Cache substitutes defaults
}

type localState struct {
	shardID int
	started time.Time
}

func newLocalState(shardID int) *localState {
	return &localState{shardID: shardID, started: time.Now()}
}

func (l *localState) Stats() services.ShardStats {
	return services.ShardStats{
		ShardID:  l.shardID,
		UptimeMS: time.Since(l.started).Milliseconds(),
	}
}

func (l *localState) Guild(string) (*services.GuildRef, bool) { return nil, false }

func (l *localState) User(string) (*services.UserRef, bool) { return nil, false }
