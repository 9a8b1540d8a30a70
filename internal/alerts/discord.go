package alerts

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

const (
	colorOrange = 0xFFA500
	colorRed    = 0xFF4444
	colorGreen  = 0x2ECC71
)

type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier posts operational alerts to a Discord webhook. A Notifier built
// without a webhook URL drops everything.
type Notifier struct {
	webhookID  string
	token      string
	pingUserID string
	footer     string
	exec       webhookExecutor
	log        zerolog.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
	now       func() time.Time
	wg        sync.WaitGroup
}

func New(webhookURL, pingUserID, version string, log zerolog.Logger) (*Notifier, error) {
	n := &Notifier{
		pingUserID: pingUserID,
		footer:     "uploader " + version,
		log:        log,
		cooldowns:  make(map[string]time.Time),
		now:        time.Now,
	}
	if webhookURL == "" {
		return n, nil
	}

	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	n.webhookID, n.token, n.exec = id, token, s
	return n, nil
}

// ParseWebhookURL extracts the id and token from
// https://discord.com/api/webhooks/<id>/<token>.
func ParseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "webhooks" && i+2 < len(parts) && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("invalid webhook url: expected .../webhooks/<id>/<token>")
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.exec != nil
}

func (n *Notifier) send(category string, cooldown time.Duration, ping bool, color int, title, description string, fields [][2]string) {
	if !n.Enabled() {
		return
	}

	n.mu.Lock()
	now := n.now()
	if cooldown > 0 {
		if last, ok := n.cooldowns[category]; ok && now.Sub(last) < cooldown {
			n.mu.Unlock()
			return
		}
	}
	n.cooldowns[category] = now
	n.mu.Unlock()

	var embedFields []*discordgo.MessageEmbedField
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		embedFields = append(embedFields, &discordgo.MessageEmbedField{Name: f[0], Value: truncate(f[1], 1024), Inline: true})
	}

	params := &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       title,
			Description: truncate(description, 2048),
			Color:       color,
			Fields:      embedFields,
			Timestamp:   now.UTC().Format(time.RFC3339),
			Footer:      &discordgo.MessageEmbedFooter{Text: n.footer},
		}},
	}
	if ping && n.pingUserID != "" {
		params.Content = fmt.Sprintf("<@%s>", n.pingUserID)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if _, err := n.exec.WebhookExecute(n.webhookID, n.token, false, params); err != nil {
			n.log.Warn().Err(err).Str("category", category).Msg("Discord send failed")
		}
	}()
}

// Wait blocks until queued alerts have been sent.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *Notifier) ServerStarted(addr string) {
	n.send("server-start", 0, false, colorGreen, "Server Started", "uploader listening on "+addr, nil)
}

func (n *Notifier) ServerStopping() {
	n.send("server-stop", 0, false, colorOrange, "Server Stopping", "uploader is shutting down", nil)
}

func (n *Notifier) MergeFailed(fileName string, chunks int, err error) {
	n.send("merge", 5*time.Second, true, colorRed, "Merge Failed", err.Error(), [][2]string{
		{"File", truncate(fileName, 200)},
		{"Chunks", fmt.Sprint(chunks)},
		{"Error", truncate(err.Error(), 500)},
	})
}

func (n *Notifier) ConversionFailed(fileName, target string, err error) {
	n.send("conversion", 5*time.Second, true, colorRed, "Conversion Failed", err.Error(), [][2]string{
		{"File", truncate(fileName, 200)},
		{"Format", target},
		{"Error", truncate(err.Error(), 500)},
	})
}

func (n *Notifier) UploadsExpired(count int) {
	n.send("expired", 60*time.Second, false, colorOrange, "Uploads Expired",
		fmt.Sprintf("%d abandoned upload(s) were discarded", count), nil)
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen-3] + "..."
	}
	return s
}
