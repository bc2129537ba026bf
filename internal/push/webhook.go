package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookDeliverer forwards notifications to an external delivery service
// as JSON POSTs. The service owns the actual chat/device fan-out.
type WebhookDeliverer struct {
	URL    string
	Client *http.Client
}

func NewWebhookDeliverer(url string) *WebhookDeliverer {
	return &WebhookDeliverer{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *WebhookDeliverer) SendToChat(chatID string, p Payload) error {
	return d.post(map[string]any{"chatId": chatID, "payload": p})
}

func (d *WebhookDeliverer) SendToClient(clientID string, p Payload) error {
	return d.post(map[string]any{"clientId": clientID, "payload": p})
}

func (d *WebhookDeliverer) post(body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := d.Client.Post(d.URL, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the client can reuse the connection.
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push webhook returned %d", resp.StatusCode)
	}
	return nil
}
