// Package slack provides a thin client for posting block-kit messages
// to one configured channel.
package slack

import (
	"context"
	"fmt"

	goslack "github.com/slack-go/slack"
)

// Client is a thin wrapper around the slack-go SDK, bound to a single
// channel.
type Client struct {
	api       *goslack.Client
	channelID string
}

// NewClient creates a new Slack API client.
func NewClient(token, channelID string) *Client {
	return &Client{
		api:       goslack.New(token),
		channelID: channelID,
	}
}

// NewClientWithAPIURL creates a Slack API client that targets a custom API URL.
// Useful for testing with a mock server.
func NewClientWithAPIURL(token, channelID, apiURL string) *Client {
	return &Client{
		api:       goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channelID: channelID,
	}
}

// PostMessage sends a block-kit message to the configured channel. The
// caller bounds the call through ctx.
func (c *Client) PostMessage(ctx context.Context, blocks ...goslack.Block) error {
	_, _, err := c.api.PostMessageContext(ctx, c.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}
