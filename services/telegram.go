package services

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"homewatch/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// telegramBot is the part of the bot API the sender uses
type telegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

var severityIcons = map[models.Severity]string{
	models.SeverityLow:      "🟢",
	models.SeverityMedium:   "🟡",
	models.SeverityHigh:     "🟠",
	models.SeverityCritical: "🔴",
}

// TelegramSender posts alerts to a chat
type TelegramSender struct {
	bot    telegramBot
	chatID int64
	logger *zap.Logger
}

// NewTelegramSender authorizes the bot and checks the connection
func NewTelegramSender(token, chatID string, logger *zap.Logger) (*TelegramSender, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}
	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	if err := testTelegramConnection(bot, logger); err != nil {
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}
	return &TelegramSender{bot: bot, chatID: id, logger: logger}, nil
}

// testTelegramConnection tests the Telegram connection with retry logic
func testTelegramConnection(bot *tgbotapi.BotAPI, logger *zap.Logger) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		_, err := bot.GetMe()
		if err == nil {
			logger.Info("Telegram connection successful")
			return nil
		}

		logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

func (ts *TelegramSender) Channel() models.Channel { return models.ChannelTelegram }

func (ts *TelegramSender) Send(ctx context.Context, env models.Envelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(ts.chatID, FormatTelegramAlert(env))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	sent, err := ts.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("error sending telegram message: %w", err)
	}
	return fmt.Sprintf("message %d", sent.MessageID), nil
}

// FormatTelegramAlert creates a mobile friendly HTML message
func FormatTelegramAlert(env models.Envelope) string {
	var sb strings.Builder

	icon, ok := severityIcons[env.Priority]
	if !ok {
		icon = "⚠️"
	}
	fmt.Fprintf(&sb, "%s <b>%s</b>\n\n", icon, html.EscapeString(env.Subject))
	fmt.Fprintf(&sb, "%s\n\n", html.EscapeString(env.Body))

	if id, ok := env.StructuredData["sensor_id"]; ok {
		fmt.Fprintf(&sb, "📟 <b>Sensor:</b> %s\n", html.EscapeString(fmt.Sprint(id)))
	}
	if ts, ok := env.StructuredData["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			ts = t.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&sb, "🕐 <b>Time:</b> %s\n", html.EscapeString(ts))
	}
	fmt.Fprintf(&sb, "\n<b>Severity:</b> %s", strings.ToUpper(string(env.Priority)))
	if id, ok := env.StructuredData["alert_id"]; ok {
		fmt.Fprintf(&sb, "\n<code>%s</code>", html.EscapeString(fmt.Sprint(id)))
	}
	return sb.String()
}

// SendStatusMessage sends a general status message
func (ts *TelegramSender) SendStatusMessage(message string) error {
	msg := tgbotapi.NewMessage(ts.chatID, message)
	msg.ParseMode = tgbotapi.ModeHTML

	_, err := ts.bot.Send(msg)
	return err
}

// SendStartupMessage sends a message when the service starts
func (ts *TelegramSender) SendStartupMessage(channels []models.Channel) error {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = string(ch)
	}
	message := "🟢 <b>HomeWatch Monitoring Started</b>\n\n" +
		"🔔 Channels: " + html.EscapeString(strings.Join(names, ", ")) + "\n" +
		"👀 Monitoring sensor readings for threshold violations...\n\n" +
		"✅ System is ready and operational!"

	return ts.SendStatusMessage(message)
}

// SendSensorStatus reports a watchdog transition
func (ts *TelegramSender) SendSensorStatus(h models.SensorHealth, now time.Time) error {
	var message string
	switch h.Status {
	case models.SensorTimeout:
		message = fmt.Sprintf("⚠️ <b>SENSOR TIMEOUT</b>\n\n📟 <b>Sensor:</b> %s\n🏠 <b>Room:</b> %s\n⏱️ <b>Silent for:</b> %s",
			html.EscapeString(h.SensorID), html.EscapeString(models.RoomDisplayName(h.Room)), formatDuration(now.Sub(h.LastSeen)))
	case models.SensorRecovered:
		message = fmt.Sprintf("✅ <b>SENSOR RECOVERED</b>\n\n📟 <b>Sensor:</b> %s\n⏱️ <b>Downtime:</b> %s",
			html.EscapeString(h.SensorID), formatDuration(now.Sub(h.TimeoutAt)))
	default:
		return nil
	}
	return ts.SendStatusMessage(message)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hr", days, hours)
}
