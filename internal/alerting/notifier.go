package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vaultwatch/internal/vault"
)

// Notification 封装一次区间变化告警的上下文。
type Notification struct {
	Network        string
	CycleAt        time.Time
	PositionID     string
	OwnerID        string
	CollateralID   string
	From           vault.Zone
	To             vault.Zone
	RatioPct       decimal.Decimal
	LiquidationPct decimal.Decimal
	Channels       []string
	AdditionalMsg  string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("position_id", note.PositionID).
		Str("zone", note.To.String()).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Vault %s zone]\n", strings.ToUpper(note.To.String())))
	if note.Network != "" {
		builder.WriteString(fmt.Sprintf("Network: %s\n", note.Network))
	}
	if !note.CycleAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Cycle: %s UTC\n", note.CycleAt.UTC().Format(time.RFC3339)))
	}
	builder.WriteString(fmt.Sprintf("Position: %s\n", note.PositionID))
	builder.WriteString(fmt.Sprintf("Owner: %s\n", note.OwnerID))
	builder.WriteString(fmt.Sprintf("Collateral: %s\n", note.CollateralID))
	builder.WriteString(fmt.Sprintf("Zone: %s -> %s\n", note.From, note.To))
	builder.WriteString(fmt.Sprintf("Collateral ratio: %s%% (liquidation at %s%%)\n", note.RatioPct.StringFixed(2), note.LiquidationPct.StringFixed(2)))
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// Multi fans a notification out to several notifiers and returns the first error.
type Multi []Notifier

// Notify 依次调用所有通道。
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogNotifier 将告警写入日志, 未配置外部通道时使用。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify 记录一条 warn 级别日志。
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("position_id", note.PositionID).
		Str("owner_id", note.OwnerID).
		Str("collateral_id", note.CollateralID).
		Str("from", note.From.String()).
		Str("to", note.To.String()).
		Str("ratio_pct", note.RatioPct.StringFixed(2)).
		Msg("zone alert")
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
