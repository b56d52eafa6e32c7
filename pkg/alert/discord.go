package alert

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Discord posts a single embed per trend to a Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

func NewDiscord(webhookURL string) *Discord {
	return &Discord{client: defaultClient, webhookURL: webhookURL}
}

func (d *Discord) Name() string { return "discord" }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	URL         string         `json:"url,omitempty"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields"`
	Footer      map[string]any `json:"footer"`
	Timestamp   string         `json:"timestamp"`
}

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}

	embed := discordEmbed{
		Title:       "📈 " + n.Title,
		URL:         n.URL,
		Description: excerpt(n.Description, 1500),
		Color:       0x1DA1F2,
		Fields: []discordField{
			{Name: "Score", Value: fmt.Sprintf("%.2f", n.Score), Inline: true},
			{Name: "Posts", Value: strconv.Itoa(n.TotalPosts), Inline: true},
		},
		Footer:    map[string]any{"text": fmt.Sprintf("trend #%d", n.TrendID)},
		Timestamp: at.UTC().Format(time.RFC3339),
	}

	if len(n.Samples) > 0 {
		lines := make([]string, 0, 5)
		for _, sm := range n.Samples[:min(len(n.Samples), 5)] {
			lines = append(lines, fmt.Sprintf("[@%s](%s) %s", sm.Author, sm.URL, excerpt(sm.Body, 140)))
		}
		embed.Fields = append(embed.Fields, discordField{Name: "Sample posts", Value: excerpt(strings.Join(lines, "\n"), 1000)})
	}

	return postJSON(ctx, d.client, "discord webhook", d.webhookURL, map[string]any{
		"embeds": []discordEmbed{embed},
	}, nil)
}
