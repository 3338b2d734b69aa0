package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/types"
)

const fcmEndpoint = "https://fcm.googleapis.com/fcm/send"

// FcmProvider posts to the legacy FCM HTTP endpoint. Requests are stateless,
// so a plain pooled client suffices.
type FcmProvider struct {
	serverKey string
	endpoint  string
	client    *http.Client
}

func NewFcmProvider(serverKey string) *FcmProvider {
	return &FcmProvider{
		serverKey: serverKey,
		endpoint:  fcmEndpoint,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *FcmProvider) name() string { return "fcm" }

type fcmRequest struct {
	To       string            `json:"to"`
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID      string `json:"message_id"`
		RegistrationID string `json:"registration_id"`
		Error          string `json:"error"`
	} `json:"results"`
}

func (p *FcmProvider) send(ctx context.Context, n *types.Notification) error {
	body, err := json.Marshal(fcmRequest{
		To:       n.Info.GcmID,
		Priority: "high",
		Data: map[string]string{
			"noteId": n.ID,
			"gid":    fmt.Sprintf("%d", n.Gid),
			"mid":    fmt.Sprintf("%d", n.Mid),
			"alert":  n.Alert,
		},
	})
	if err != nil {
		return Terminal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Terminal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+p.serverKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Terminal(fmt.Errorf("fcm rejected request: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fcm status %d", resp.StatusCode)
	}

	var parsed fcmResponse
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("fcm read response: %w", err)
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("fcm parse response: %w", err)
	}

	for _, r := range parsed.Results {
		if r.Error != "" {
			// Registration errors are tied to the token; retrying the same
			// token cannot succeed.
			return Terminal(fmt.Errorf("fcm result error: %s", r.Error))
		}
		if r.RegistrationID != "" {
			// Canonical id means the client re-registered. We log it; token
			// refresh happens through the normal registration endpoint.
			logging.Info(ctx, "fcm canonical registration id",
				zap.String("uid", string(n.UID)), zap.String("messageId", r.MessageID))
		}
	}
	if parsed.Failure > 0 && parsed.Success == 0 {
		return fmt.Errorf("fcm delivery failed")
	}
	return nil
}
