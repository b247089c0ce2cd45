package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/errors"
)

// TelegramNotifier sends alerts through the Telegram bot API
type TelegramNotifier struct {
	cfg     config.TelegramConfig
	client  *http.Client
	baseURL string
}

// NewTelegramNotifier creates a Telegram channel from config
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.telegram.org",
	}
}

// Enabled reports whether the channel has enough config to send
func (n *TelegramNotifier) Enabled() bool {
	return n.cfg.BotToken != "" && n.cfg.ChatID != ""
}

func (n *TelegramNotifier) Notify(ctx context.Context, subject, body string) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(map[string]string{
		"chat_id": n.cfg.ChatID,
		"text":    subject + "\n\n" + body,
	})
	if err != nil {
		return errors.Wrap(err, "marshal telegram payload")
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return errors.Wrap(err, "build telegram request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send telegram message")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Newf("telegram API returned %d: %s", resp.StatusCode, string(data))
	}
	return nil
}
