package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/eraops/internal/models"
	"github.com/rewired-gh/eraops/internal/retention"
)

type fakeSender struct {
	failures int
	sent     []tgbotapi.MessageConfig
	calls    int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.calls++
	if f.calls <= f.failures {
		return tgbotapi.Message{}, errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{1 * time.Hour, "1h"},
		{2 * time.Hour, "2h"},
		{30 * time.Minute, "30m"},
		{1 * time.Minute, "1m"},
		{50 * time.Hour, "2d2h"},
	}

	for _, tt := range tests {
		result := formatDuration(tt.duration)
		if result != tt.expected {
			t.Errorf("formatDuration(%v) = %s, expected %s", tt.duration, result, tt.expected)
		}
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"3.45", "3\\.45"},
		{"a-b_c", "a\\-b\\_c"},
		{"(dry run)!", "\\(dry run\\)\\!"},
		{"back\\slash", "back\\\\slash"},
	}
	for _, tt := range tests {
		if got := escapeMarkdownV2(tt.in); got != tt.want {
			t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSendRetries(t *testing.T) {
	bot := &fakeSender{failures: 2}
	c := newClient(bot, 42, 3, time.Millisecond)

	if err := c.SendUpdateFailure(models.UpdateStatus{Phase: models.PhaseFailed}, 3); err != nil {
		t.Fatalf("SendUpdateFailure failed: %v", err)
	}
	if bot.calls != 3 || len(bot.sent) != 1 {
		t.Fatalf("expected success on the third attempt, calls=%d sent=%d", bot.calls, len(bot.sent))
	}
	msg := bot.sent[0]
	if msg.ChatID != 42 {
		t.Errorf("chat id = %d", msg.ChatID)
	}
	if msg.ParseMode != tgbotapi.ModeMarkdownV2 {
		t.Errorf("parse mode = %q", msg.ParseMode)
	}
}

func TestSendGivesUp(t *testing.T) {
	bot := &fakeSender{failures: 10}
	c := newClient(bot, 1, 2, time.Millisecond)

	err := c.SendRecovery(models.SnapshotMeta{ID: 1}, 1, time.Hour)
	if err == nil || !strings.Contains(err.Error(), "after 2 retries") {
		t.Fatalf("expected give-up error, got %v", err)
	}
	if bot.calls != 2 {
		t.Errorf("calls = %d, want 2", bot.calls)
	}
}

func TestNewClientRejectsBadChatID(t *testing.T) {
	if _, err := NewClient("token", "not-a-number", 1, time.Second); err == nil {
		t.Fatal("expected invalid chat ID error")
	}
}

func TestFormatUpdateFailure(t *testing.T) {
	msg := formatUpdateFailure(models.UpdateStatus{
		Phase:          models.PhaseFailed,
		RunID:          "run-1",
		Season:         2025,
		TeamsProcessed: 30,
		TeamsTotal:     30,
		Accumulated:    25,
		SkippedTeams:   []int{1, 2, 3, 4, 5},
		LastError:      "incomplete capture: 5 of 30 teams missing (tolerance 2)",
	}, 4)

	for _, want := range []string{
		"Consecutive failures: *4*",
		"Season: 2025",
		"Progress: 30/30 teams, 25 accepted",
		"Skipped teams: 5",
		"`incomplete capture: 5 of 30 teams missing (tolerance 2)`",
		"`run-1`",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestFormatRecovery(t *testing.T) {
	msg := formatRecovery(models.SnapshotMeta{
		ID:        77,
		TeamCount: 30,
		Timestamp: time.Date(2025, 6, 14, 19, 0, 0, 0, time.UTC),
	}, 3, 90*time.Minute)

	for _, want := range []string{
		"Snapshot \\#77 with 30 teams",
		"2025\\-06\\-14 19:00:00 UTC",
		"After 3 failed passes over 1h",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestFormatMaintenanceReport(t *testing.T) {
	msg := formatMaintenanceReport(&retention.Result{
		Before:     120,
		After:      80,
		Backfilled: 2,
		Deleted: map[retention.Step]int{
			retention.StepDuplicates: 30,
			retention.StepThinned:    10,
		},
		Urgency:  retention.UrgencyNormal,
		DryRun:   true,
		Vacuumed: false,
		Duration: 1500 * time.Millisecond,
	})

	for _, want := range []string{
		"\\(dry run\\)",
		"Snapshots: 120 → 80",
		"Backfilled: 2",
		"duplicates: 30",
		"thinned: 10",
		"Took 1\\.5s",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "partial") || strings.Contains(msg, "vacuumed") {
		t.Errorf("unexpected lines in report:\n%s", msg)
	}
}
