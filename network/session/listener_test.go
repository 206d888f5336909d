package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linchenxuan/conduit/network/protocol"
)

func TestRouterDispatchesByKind(t *testing.T) {
	r := NewRouter()
	var got string
	On(r, func(_ context.Context, p *chat) (Result, error) {
		got = p.Text
		return Pending, nil
	})
	assert.True(t, r.Handles("play.chat"))
	assert.False(t, r.Handles("play.movement.pos"))

	res, err := r.Route(context.Background(), &chat{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, Pending, res)
	assert.Equal(t, "hello", got)

	_, err = r.Route(context.Background(), &move{})
	assert.ErrorIs(t, err, ErrUnexpectedPacket)

	assert.Panics(t, func() {
		On(r, func(context.Context, *chat) (Result, error) { return Done, nil })
	})
}

func TestListenerRegistry(t *testing.T) {
	reg := NewListenerRegistry(protocol.Serverbound)
	require.NoError(t, reg.Register(protocol.PhasePlay, func(*Connection) Listener {
		return newRecorder(protocol.Serverbound, protocol.PhasePlay)
	}))
	require.NoError(t, reg.Register(protocol.PhaseLogin, func(*Connection) Listener {
		return newRecorder(protocol.Clientbound, protocol.PhaseLogin)
	}))
	assert.Error(t, reg.Register(protocol.PhasePlay, nil))

	l, err := reg.Listener(protocol.PhasePlay, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.PhasePlay, l.Phase())

	_, err = reg.Listener(protocol.PhaseLogin, nil)
	assert.ErrorIs(t, err, ErrProtocolMismatch)
	_, err = reg.Listener(protocol.PhaseHandshake, nil)
	assert.ErrorIs(t, err, ErrProtocolMismatch)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{
		RateLimit: RateLimitConfig{
			Overrides: map[string]KindLimit{
				"play.chat": {Enabled: true, Interval: 1, MaxRate: 1},
			},
		},
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.AverageTicks)
	assert.Equal(t, ReasonSpam, cfg.SpamNotice)
	assert.Equal(t, ActionDrop, cfg.RateLimit.Overrides["play.chat"].Action)

	cfg.RateLimit.Enabled = true
	assert.Error(t, cfg.Validate())

	var a Action
	require.NoError(t, a.UnmarshalText([]byte("KICK")))
	assert.Equal(t, ActionKick, a)
	assert.Error(t, a.UnmarshalText([]byte("ban")))
}

func TestConnectionKeepsOwnConfigCopy(t *testing.T) {
	shared := testConfig()
	shared.RateLimit.Overrides = map[string]KindLimit{
		"play.movement": {Enabled: true, Interval: time.Second, MaxRate: 3},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewConnection(ctx, protocol.Serverbound, WithConfig(shared))
	assert.Equal(t, ActionDrop, c.Config().RateLimit.Overrides["play.movement"].Action)
	assert.Empty(t, shared.RateLimit.Overrides["play.movement"].Action)

	c.Config().RateLimit.Overrides["play.chat"] = KindLimit{}
	assert.NotContains(t, shared.RateLimit.Overrides, "play.chat")
}
