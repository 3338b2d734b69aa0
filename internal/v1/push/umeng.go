package push

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/courier-im/courier/internal/v1/types"
)

const (
	umengEndpoint = "https://msgapi.umeng.com/api/send"

	// Umeng caps listcast at 500 device tokens per request.
	umengListcastLimit = 500
)

// UmengProvider posts MD5-signed requests to Umeng's unified send API.
type UmengProvider struct {
	appKey       string
	masterSecret string
	endpoint     string
	client       *http.Client
}

func NewUmengProvider(appKey, masterSecret string) *UmengProvider {
	return &UmengProvider{
		appKey:       appKey,
		masterSecret: masterSecret,
		endpoint:     umengEndpoint,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *UmengProvider) name() string { return "umeng" }

type umengMessage struct {
	AppKey         string       `json:"appkey"`
	Timestamp      string       `json:"timestamp"`
	Type           string       `json:"type"`
	DeviceTokens   string       `json:"device_tokens,omitempty"`
	Filter         any          `json:"filter,omitempty"`
	Payload        umengPayload `json:"payload"`
	ProductionMode string       `json:"production_mode"`
}

type umengPayload struct {
	DisplayType string            `json:"display_type"`
	Body        umengBody         `json:"body"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type umengBody struct {
	Ticker    string `json:"ticker,omitempty"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text,omitempty"`
	AfterOpen string `json:"after_open,omitempty"`
	Custom    string `json:"custom,omitempty"`
}

type umengResponse struct {
	Ret  string `json:"ret"`
	Data struct {
		MsgID     string `json:"msg_id"`
		ErrorCode string `json:"error_code"`
		ErrorMsg  string `json:"error_msg"`
	} `json:"data"`
}

func (p *UmengProvider) send(ctx context.Context, n *types.Notification) error {
	return p.Unicast(ctx, n.Info.UmengID, n)
}

// Unicast pushes one notification to one device token.
func (p *UmengProvider) Unicast(ctx context.Context, token string, n *types.Notification) error {
	return p.post(ctx, p.message("unicast", token, n))
}

// Listcast pushes to up to 500 device tokens in one request.
func (p *UmengProvider) Listcast(ctx context.Context, tokens []string, n *types.Notification) error {
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) > umengListcastLimit {
		return Terminal(fmt.Errorf("umeng listcast limited to %d tokens, got %d", umengListcastLimit, len(tokens)))
	}
	return p.post(ctx, p.message("listcast", strings.Join(tokens, ","), n))
}

// Groupcast pushes to an audience described by a tag filter.
func (p *UmengProvider) Groupcast(ctx context.Context, filter any, n *types.Notification) error {
	msg := p.message("groupcast", "", n)
	msg.Filter = filter
	return p.post(ctx, msg)
}

func (p *UmengProvider) message(castType, tokens string, n *types.Notification) umengMessage {
	return umengMessage{
		AppKey:       p.appKey,
		Timestamp:    fmt.Sprintf("%d", time.Now().UnixMilli()),
		Type:         castType,
		DeviceTokens: tokens,
		Payload: umengPayload{
			DisplayType: "message",
			Body:        umengBody{Custom: n.Alert, Ticker: n.Alert},
			Extra: map[string]string{
				"noteId": n.ID,
				"gid":    fmt.Sprintf("%d", n.Gid),
				"mid":    fmt.Sprintf("%d", n.Mid),
			},
		},
		ProductionMode: "true",
	}
}

// sign computes Umeng's request signature: MD5 over method, url, body and
// the app master secret concatenated.
func (p *UmengProvider) sign(body []byte) string {
	sum := md5.Sum([]byte(http.MethodPost + p.endpoint + string(body) + p.masterSecret))
	return hex.EncodeToString(sum[:])
}

func (p *UmengProvider) post(ctx context.Context, msg umengMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return Terminal(err)
	}

	url := p.endpoint + "?sign=" + p.sign(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Terminal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("umeng post: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("umeng read response: %w", err)
	}

	var parsed umengResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("umeng parse response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Ret != "SUCCESS" {
		err := fmt.Errorf("umeng error %s: %s", parsed.Data.ErrorCode, parsed.Data.ErrorMsg)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return Terminal(err)
		}
		return err
	}
	return nil
}
