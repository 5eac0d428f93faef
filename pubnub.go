package main

import (
	"context"
	"encoding/json"
	"fmt"

	pubnubgo "github.com/pubnub/go/v7"
)

const queueChannel = "queue-events"

func customerChannel(customerID string) string {
	return fmt.Sprintf("customer-%s", customerID)
}

var _ Pubnub = (*pubnub)(nil)

type PubNubConfig struct {
	PublishKey, SubscribeKey, SecretKey, UserID string
}

// Pubnub is the realtime transport behind the broadcast coordinator.
type Pubnub interface {
	PublishQueueEvent(ctx context.Context, ev *BroadcastEvent) error
	SendToCustomer(ctx context.Context, customerID string, payload any) error
	GenGrantToken(ctx context.Context) (string, error)
}

func NewPubnub(pnCfg *PubNubConfig) (Pubnub, error) {
	if pnCfg == nil {
		return nil, fmt.Errorf("[NewPubnub] pnCfg: must not be nil")
	}

	cfg := pubnubgo.NewConfigWithUserId(pubnubgo.UserId(pnCfg.UserID))
	cfg.PublishKey = pnCfg.PublishKey
	cfg.SubscribeKey = pnCfg.SubscribeKey
	cfg.SecretKey = pnCfg.SecretKey

	return &pubnub{pn: pubnubgo.NewPubNub(cfg)}, nil
}

type pubnub struct {
	pn *pubnubgo.PubNub
}

func (p *pubnub) PublishQueueEvent(ctx context.Context, ev *BroadcastEvent) error {
	return p.publish(ctx, queueChannel, ev)
}

func (p *pubnub) SendToCustomer(ctx context.Context, customerID string, payload any) error {
	return p.publish(ctx, customerChannel(customerID), payload)
}

func (p *pubnub) publish(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	publish := p.pn.Publish()
	publish.Channel(channel).Message(string(raw))
	if _, _, err := publish.Execute(); err != nil {
		return fmt.Errorf("pubnub publish to %s: %w", channel, err)
	}
	return nil
}

// GenGrantToken issues a read-only token covering the shared queue channel
// and the per-customer channels.
func (p *pubnub) GenGrantToken(ctx context.Context) (string, error) {
	permissions := map[string]pubnubgo.ChannelPermissions{
		fmt.Sprintf("^%s$", queueChannel): {Read: true},
		"^customer-[A-Za-z0-9-]*$":        {Read: true},
	}

	token, _, err := p.pn.GrantTokenWithContext(ctx).
		TTL(60).
		ChannelsPattern(permissions).
		Execute()
	if err != nil {
		return "", err
	}
	return token.Data.Token, nil
}
