// Package telegram sends operator notifications via the Telegram Bot API:
// repeated update failures, recovery after failures, and retention
// maintenance reports. Messages use MarkdownV2 and delivery is retried.
package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/eraops/internal/models"
	"github.com/rewired-gh/eraops/internal/retention"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return newClient(bot, chatIDInt, maxRetries, retryDelayBase), nil
}

func newClient(bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// SendUpdateFailure reports an update pass that keeps failing.
func (c *Client) SendUpdateFailure(status models.UpdateStatus, consecutive int) error {
	return c.send(formatUpdateFailure(status, consecutive))
}

// SendRecovery reports the first successful pass after failures.
func (c *Client) SendRecovery(snapshot models.SnapshotMeta, failures int, downtime time.Duration) error {
	return c.send(formatRecovery(snapshot, failures, downtime))
}

// SendMaintenanceReport summarizes a retention pass.
func (c *Client) SendMaintenanceReport(res *retention.Result) error {
	return c.send(formatMaintenanceReport(res))
}

func (c *Client) send(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

func formatUpdateFailure(status models.UpdateStatus, consecutive int) string {
	var b strings.Builder
	b.WriteString("⚠️ *MLB update failing*\n\n")
	fmt.Fprintf(&b, "Consecutive failures: *%d*\n", consecutive)
	if status.Season > 0 {
		fmt.Fprintf(&b, "Season: %d\n", status.Season)
	}
	if status.TeamsTotal > 0 {
		fmt.Fprintf(&b, "Progress: %d/%d teams, %d accepted\n",
			status.TeamsProcessed, status.TeamsTotal, status.Accumulated)
	}
	if n := len(status.SkippedTeams); n > 0 {
		fmt.Fprintf(&b, "Skipped teams: %d\n", n)
	}
	if status.LastError != "" {
		fmt.Fprintf(&b, "\nError: `%s`\n", escapeCode(status.LastError))
	}
	if status.RunID != "" {
		fmt.Fprintf(&b, "Run: `%s`\n", escapeCode(status.RunID))
	}
	return b.String()
}

func formatRecovery(snapshot models.SnapshotMeta, failures int, downtime time.Duration) string {
	var b strings.Builder
	b.WriteString("✅ *MLB update recovered*\n\n")
	fmt.Fprintf(&b, "Snapshot \\#%d with %d teams\n", snapshot.ID, snapshot.TeamCount)
	fmt.Fprintf(&b, "Captured: %s\n", escapeMarkdownV2(snapshot.Timestamp.UTC().Format("2006-01-02 15:04:05 MST")))
	fmt.Fprintf(&b, "After %d failed passes over %s\n", failures, escapeMarkdownV2(formatDuration(downtime)))
	return b.String()
}

func formatMaintenanceReport(res *retention.Result) string {
	var b strings.Builder
	title := "🧹 *Snapshot maintenance*"
	if res.DryRun {
		title = "🧹 *Snapshot maintenance \\(dry run\\)*"
	}
	b.WriteString(title + "\n\n")
	fmt.Fprintf(&b, "Urgency: *%s*\n", escapeMarkdownV2(string(res.Urgency)))
	fmt.Fprintf(&b, "Snapshots: %d → %d\n", res.Before, res.After)
	if res.Backfilled > 0 {
		fmt.Fprintf(&b, "Backfilled: %d\n", res.Backfilled)
	}
	for _, step := range retention.Steps {
		if n := res.Deleted[step]; n > 0 {
			fmt.Fprintf(&b, "   %s: %d\n", escapeMarkdownV2(string(step)), n)
		}
	}
	if res.Vacuumed {
		b.WriteString("Database vacuumed\n")
	}
	fmt.Fprintf(&b, "Took %s\n", escapeMarkdownV2(res.Duration.Round(time.Millisecond).String()))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeCode escapes text placed inside an inline code span.
func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if days := int(d.Hours()) / 24; days > 0 {
		return fmt.Sprintf("%dd%dh", days, int(d.Hours())%24)
	}
	if hours := int(d.Hours()); hours > 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}
