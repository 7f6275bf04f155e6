package server

import (
	"context"
	"sort"
	"time"

	"github.com/morezero/sockr/pkg/cache"
	"github.com/morezero/sockr/pkg/commsutil"
	"github.com/morezero/sockr/pkg/hookutil"
	"github.com/morezero/sockr/pkg/rpc"
)

// channelInfoTTL bounds how stale a cached channels.info answer may be.
const channelInfoTTL = 2 * time.Second

var channelInfoKey = hookutil.CacheKey{Prefix: "channel-info", Keys: []string{"channel"}}

// systemService answers liveness checks from connected clients.
type systemService struct {
	name    string
	started time.Time
	now     func() time.Time
}

type timeResult struct {
	Server  string    `json:"server"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
	Uptime  float64   `json:"uptime"`
}

func (s *systemService) Ping(context.Context) (string, error) {
	return "pong", nil
}

func (s *systemService) Time(context.Context) (timeResult, error) {
	now := s.now()
	return timeResult{
		Server:  s.name,
		Version: Version,
		Time:    now.UTC(),
		Uptime:  now.Sub(s.started).Seconds(),
	}, nil
}

type channelParams struct {
	Channel string `json:"channel"`
}

type publishParams struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
	// Echo includes the publisher in delivery.
	Echo bool `json:"echo"`
}

type membershipResult struct {
	Channel string `json:"channel"`
	Changed bool   `json:"changed"`
	Members int    `json:"members"`
}

// channelService lets clients manage their own channel membership.
type channelService struct{}

func (channelService) Join(ctx context.Context, p channelParams) (membershipResult, error) {
	c, err := requestContext(ctx, p.Channel)
	if err != nil {
		return membershipResult{}, err
	}
	ch := c.App.Channel(p.Channel)
	changed := ch.Join(c.Client)
	return membershipResult{Channel: p.Channel, Changed: changed, Members: ch.Len()}, nil
}

func (channelService) Leave(ctx context.Context, p channelParams) (membershipResult, error) {
	c, err := requestContext(ctx, p.Channel)
	if err != nil {
		return membershipResult{}, err
	}
	ch, ok := c.App.Channels().Lookup(p.Channel)
	if !ok {
		return membershipResult{Channel: p.Channel}, nil
	}
	changed := ch.Leave(c.Client)
	return membershipResult{Channel: p.Channel, Changed: changed, Members: ch.Len()}, nil
}

type channelInfo struct {
	Channel string `json:"channel"`
	Members int    `json:"members"`
}

// Info reports the local member count of a channel without creating it.
func (channelService) Info(ctx context.Context, p channelParams) (channelInfo, error) {
	c, err := requestContext(ctx, p.Channel)
	if err != nil {
		return channelInfo{}, err
	}
	info := channelInfo{Channel: p.Channel}
	if ch, ok := c.App.Channels().Lookup(p.Channel); ok {
		info.Members = ch.Len()
	}
	return info, nil
}

// List returns the sorted names of the channels the caller belongs to.
func (channelService) List(ctx context.Context) ([]string, error) {
	c, ok := rpc.FromContext(ctx)
	if !ok || c.Client == nil {
		return nil, rpc.NewError(rpc.NameValidation, 400, "The request has no client.")
	}
	joined := c.App.Channels().Joined(c.Client)
	names := make([]string, 0, len(joined))
	for _, ch := range joined {
		names = append(names, ch.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (channelService) Publish(ctx context.Context, p publishParams) (bool, error) {
	c, err := requestContext(ctx, p.Channel)
	if err != nil {
		return false, err
	}
	if p.Data == nil {
		return false, rpc.NewError(rpc.NameValidation, 400, "A publish requires data.")
	}
	ch := c.App.Channel(p.Channel)
	if !ch.Has(c.Client) {
		return false, rpc.NewError(rpc.NameValidation, 403, "Join %s before publishing to it.", p.Channel)
	}
	out := &rpc.Context{Client: c.Client, Response: &rpc.Response{Data: p.Data}}
	if p.Echo {
		return true, ch.All(ctx, out)
	}
	return true, ch.Broadcast(ctx, out)
}

func requestContext(ctx context.Context, channel string) (*rpc.Context, error) {
	c, ok := rpc.FromContext(ctx)
	if !ok || c.Client == nil {
		return nil, rpc.NewError(rpc.NameValidation, 400, "The request has no client.")
	}
	if !commsutil.ValidChannelName(channel) {
		return nil, rpc.NewError(rpc.NameValidation, 400, "Invalid channel name %q.", channel)
	}
	return c, nil
}

// registerBuiltins adds the system and channels services to app. When store
// is set channels.info answers are cached and membership changes drop them.
func registerBuiltins(app *rpc.Dispatcher, name string, started time.Time, store cache.Store) error {
	sys := &systemService{name: name, started: started, now: time.Now}
	if err := app.Use("system", sys, "ping", "time"); err != nil {
		return err
	}
	if err := app.Use("channels", channelService{}, "join", "leave", "info", "list", "publish"); err != nil {
		return err
	}
	if store == nil {
		return nil
	}

	svc, err := app.Service("channels")
	if err != nil {
		return err
	}
	svc.MethodHooks("info").
		Before(hookutil.GetCache(store, channelInfoKey)).
		After(hookutil.SetCache(store, channelInfoKey, channelInfoTTL))
	svc.MethodHooks("join").After(hookutil.DelCache(store, channelInfoKey))
	svc.MethodHooks("leave").After(hookutil.DelCache(store, channelInfoKey))
	return nil
}
