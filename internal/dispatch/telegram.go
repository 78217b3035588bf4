package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts through the Bot API using the chat and token
// from tenant settings.
type TelegramSender struct {
	apiURL string
	client *http.Client
}

func NewTelegramSender(apiURL string, client *http.Client) *TelegramSender {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		apiURL = defaultTelegramAPI
	}
	if client == nil {
		client = &http.Client{}
	}
	return &TelegramSender{apiURL: apiURL, client: client}
}

func (s *TelegramSender) Name() string { return "telegram" }

func (s *TelegramSender) Accepts(n Notification) bool {
	st := n.Settings
	return st.TelegramActive && st.TelegramBotToken != "" && st.TelegramChatID != ""
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (s *TelegramSender) Send(ctx context.Context, n Notification) error {
	if !s.Accepts(n) {
		return ErrNotConfigured
	}
	method, fields := "sendMessage", map[string]string{
		"chat_id": n.Settings.TelegramChatID,
		"text":    text(n),
	}
	// Telegram fetches photos itself, so only public URLs go out as pictures.
	if img := n.Alert.ImagePath(); isRemoteURL(img) {
		method, fields = "sendPhoto", map[string]string{
			"chat_id": n.Settings.TelegramChatID,
			"photo":   img,
			"caption": photoCaption(n),
		}
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", s.apiURL, n.Settings.TelegramBotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		// the URL carries the bot token
		return fmt.Errorf("telegram request failed: %s", strings.ReplaceAll(err.Error(), n.Settings.TelegramBotToken, "***"))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var tr telegramResponse
	_ = json.Unmarshal(raw, &tr)
	if resp.StatusCode != http.StatusOK || !tr.OK {
		if tr.Description == "" {
			tr.Description = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("telegram api error: %d %s", resp.StatusCode, tr.Description)
	}
	return nil
}

func isRemoteURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
