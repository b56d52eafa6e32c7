package alert

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

// Slack posts Block Kit messages to an incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{client: defaultClient, webhookURL: webhookURL}
}

func (s *Slack) Name() string { return "slack" }

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type      string       `json:"type"`
	Text      *slackText   `json:"text,omitempty"`
	Fields    []slackText  `json:"fields,omitempty"`
	Elements  []slackText  `json:"elements,omitempty"`
	Accessory *slackButton `json:"accessory,omitempty"`
}

type slackButton struct {
	Type string    `json:"type"`
	Text slackText `json:"text"`
	URL  string    `json:"url"`
}

func mrkdwn(s string) slackText { return slackText{Type: "mrkdwn", Text: s} }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	summary := slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: excerpt(n.Description, 600)}}
	if n.URL != "" {
		summary.Accessory = &slackButton{
			Type: "button",
			Text: slackText{Type: "plain_text", Text: "View trend"},
			URL:  n.URL,
		}
	}

	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: "📈 " + n.Title}},
		{Type: "section", Fields: []slackText{
			mrkdwn(fmt.Sprintf("*Score*\n%.2f", n.Score)),
			mrkdwn("*Posts*\n" + strconv.Itoa(n.TotalPosts)),
		}},
		summary,
	}

	if len(n.Samples) > 0 {
		samples := slackBlock{Type: "context"}
		for _, sm := range n.Samples[:min(len(n.Samples), 5)] {
			samples.Elements = append(samples.Elements, mrkdwn(fmt.Sprintf("<%s|@%s> %s", sm.URL, sm.Author, excerpt(sm.Body, 140))))
		}
		blocks = append(blocks, samples)
	}

	return postJSON(ctx, s.client, "slack webhook", s.webhookURL, map[string]any{
		"text":   fmt.Sprintf("Trending: %s (score %.2f)", n.Title, n.Score),
		"blocks": blocks,
	}, nil)
}
