package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"
	discordMaxContent  = 2000
	senderTimeout      = 10 * time.Second
)

// ChannelSender posts alerts as JSON to a chat webhook. The render func
// turns an alert into the channel's request body.
type ChannelSender struct {
	name   string
	url    string
	render func(title, message string) any
	client *http.Client
}

// NewDiscordSender posts to a Discord webhook URL.
func NewDiscordSender(webhookURL string) *ChannelSender {
	return newChannel("discord", webhookURL, func(title, message string) any {
		content := fmt.Sprintf("**%s**\n```\n%s\n```", title, message)
		if len(content) > discordMaxContent {
			content = content[:discordMaxContent-4] + "\n```"
		}
		return map[string]string{"content": content}
	})
}

// NewTelegramSender posts through the Bot API sendMessage method. An empty
// apiBase means the public Bot API.
func NewTelegramSender(apiBase, token, chatID string) *ChannelSender {
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	endpoint := strings.TrimRight(apiBase, "/") + "/bot" + token + "/sendMessage"
	return newChannel("telegram", endpoint, func(title, message string) any {
		// Preformatted body: ids and prices need no Markdown escaping.
		return map[string]string{
			"chat_id":    chatID,
			"text":       fmt.Sprintf("*%s*\n```\n%s\n```", title, message),
			"parse_mode": "Markdown",
		}
	})
}

func newChannel(name, url string, render func(title, message string) any) *ChannelSender {
	return &ChannelSender{
		name:   name,
		url:    url,
		render: render,
		client: &http.Client{Timeout: senderTimeout},
	}
}

// Send delivers one alert.
func (c *ChannelSender) Send(ctx context.Context, title, message string) error {
	if err := postJSON(ctx, c.client, c.url, c.render(title, message)); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	return nil
}

// Name returns the channel name.
func (c *ChannelSender) Name() string { return c.name }
