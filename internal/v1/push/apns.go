package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/partition"
	"github.com/courier-im/courier/internal/v1/types"
)

const (
	apnsProduction = "https://api.push.apple.com"
	apnsSandbox    = "https://api.sandbox.push.apple.com"

	// Apple accepts provider tokens between 20 and 60 minutes old.
	apnsTokenLifetime = 50 * time.Minute

	apnsReadTimeout = 60 * time.Second
)

// ApnsConfig identifies one provider-token identity.
type ApnsConfig struct {
	KeyFile string
	KeyID   string
	TeamID  string
	Topic   string
	Sandbox bool
}

// ApnsProvider delivers over Apple's HTTP/2 provider API using ES256
// provider-token auth. The badge counter lives in Redis so every node
// increments the same per-account value.
type ApnsProvider struct {
	cfg     ApnsConfig
	gateway string
	router  *partition.Router
	signKey *ecdsa.PrivateKey

	mu     sync.Mutex
	client *http.Client
	token  string
	tokenT time.Time
}

// NewApnsProvider loads the .p8 signing key and builds the HTTP/2 client.
func NewApnsProvider(cfg ApnsConfig, router *partition.Router) (*ApnsProvider, error) {
	raw, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("apns key file: %w", err)
	}
	key, err := parseP8Key(raw)
	if err != nil {
		return nil, err
	}

	gateway := apnsProduction
	if cfg.Sandbox {
		gateway = apnsSandbox
	}
	p := &ApnsProvider{cfg: cfg, gateway: gateway, router: router, signKey: key}
	p.client = p.newClient()
	return p, nil
}

func parseP8Key(raw []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("apns key file is not PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("apns key parse: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("apns key is not ECDSA")
	}
	return key, nil
}

func (p *ApnsProvider) newClient() *http.Client {
	return &http.Client{
		Timeout: apnsReadTimeout,
		Transport: &http2.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			ReadIdleTimeout: apnsReadTimeout,
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				d := &tls.Dialer{Config: cfg}
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// providerToken returns a cached ES256 JWT, minting a fresh one when the
// cached token nears Apple's age limit.
func (p *ApnsProvider) providerToken() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Since(p.tokenT) < apnsTokenLifetime {
		return p.token, nil
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": p.cfg.TeamID,
		"iat": time.Now().Unix(),
	})
	tok.Header["kid"] = p.cfg.KeyID
	signed, err := tok.SignedString(p.signKey)
	if err != nil {
		return "", fmt.Errorf("apns token sign: %w", err)
	}
	p.token = signed
	p.tokenT = time.Now()
	return signed, nil
}

// reconnect replaces the shared HTTP/2 client after a transport error so the
// next request dials a fresh connection.
func (p *ApnsProvider) reconnect(old *http.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == old {
		old.CloseIdleConnections()
		p.client = p.newClient()
	}
}

func (p *ApnsProvider) name() string { return "apns" }

type apnsPayload struct {
	Aps    apnsAps   `json:"aps"`
	Gid    types.Gid `json:"gid,omitempty"`
	Mid    types.Mid `json:"mid,omitempty"`
	NoteID string    `json:"noteId,omitempty"`
}

type apnsAps struct {
	Alert            string `json:"alert,omitempty"`
	Badge            int64  `json:"badge,omitempty"`
	Sound            string `json:"sound,omitempty"`
	ContentAvailable int    `json:"content-available,omitempty"`
}

// send posts one notification. A transport-level failure reconnects and
// resubmits exactly once; HTTP-level rejections never resubmit here.
func (p *ApnsProvider) send(ctx context.Context, n *types.Notification) error {
	token := n.Info.ApnID
	pushType := "alert"
	if n.Class == types.ClassCalling && n.Info.VoipApnID != "" {
		token = n.Info.VoipApnID
		pushType = "voip"
	}

	badge, err := p.router.Incr(ctx, partition.ByKey(string(n.UID)), types.KeyApnsBadge(n.UID))
	if err != nil {
		logging.Warn(ctx, "apns badge increment failed", zap.String("uid", string(n.UID)), zap.Error(err))
		badge = 1
	}

	payload := apnsPayload{
		Aps:    apnsAps{Alert: n.Alert, Badge: badge, Sound: "default"},
		Gid:    n.Gid,
		Mid:    n.Mid,
		NoteID: n.ID,
	}
	if n.Alert == "" {
		payload.Aps = apnsAps{Badge: badge, ContentAvailable: 1}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Terminal(err)
	}

	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	err = p.post(ctx, client, token, pushType, body)
	if err != nil && !IsTerminal(err) && !isHTTPStatusError(err) {
		p.reconnect(client)
		p.mu.Lock()
		client = p.client
		p.mu.Unlock()
		logging.Warn(ctx, "apns transport error, resubmitting once", zap.Error(err))
		err = p.post(ctx, client, token, pushType, body)
	}
	return err
}

type httpStatusError struct {
	status int
	reason string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("apns status %d: %s", e.status, e.reason)
}

func isHTTPStatusError(err error) bool {
	var se *httpStatusError
	return errors.As(err, &se)
}

func (p *ApnsProvider) post(ctx context.Context, client *http.Client, deviceToken, pushType string, body []byte) error {
	bearer, err := p.providerToken()
	if err != nil {
		return Terminal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.gateway+"/3/device/"+deviceToken, bytes.NewReader(body))
	if err != nil {
		return Terminal(err)
	}
	// Apple routes voip pushes through the PushKit topic, which is the app
	// bundle id with a ".voip" suffix.
	topic := p.cfg.Topic
	if pushType == "voip" {
		topic += ".voip"
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", topic)
	req.Header.Set("apns-push-type", pushType)
	req.Header.Set("apns-priority", "10")
	req.Header.Set("apns-expiration", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("apns post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var apiErr struct {
		Reason string `json:"reason"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &apiErr)

	statusErr := &httpStatusError{status: resp.StatusCode, reason: apiErr.Reason}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Terminal(statusErr)
	}
	return statusErr
}
