package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/store"
	"github.com/courier-im/courier/internal/v1/types"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrNoChallenge       = errors.New("no outstanding challenge")
	ErrBadProofOfWork    = errors.New("proof of work check failed")
)

// ChallengeStore keeps outstanding proof-of-work challenges keyed by uid.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, uid string, c *Challenge) error
	GetChallenge(ctx context.Context, uid string) (*Challenge, error)
	DeleteChallenge(ctx context.Context, uid string) error
}

// Authenticator verifies device credentials and runs the proof-of-work
// handshake that gates account creation and signin.
type Authenticator struct {
	store      *store.Store
	challenges ChallengeStore
	difficulty uint32
}

func NewAuthenticator(s *store.Store, challenges ChallengeStore, difficulty uint32) *Authenticator {
	return &Authenticator{store: s, challenges: challenges, difficulty: difficulty}
}

// IssueChallenge mints and stores a challenge for the uid, replacing any
// outstanding one.
func (a *Authenticator) IssueChallenge(ctx context.Context, uid string) (*Challenge, error) {
	c, err := NewChallenge(a.difficulty)
	if err != nil {
		return nil, err
	}
	if err := a.challenges.PutChallenge(ctx, uid, c); err != nil {
		return nil, err
	}
	return c, nil
}

// VerifyChallenge checks the client's solution against the stored challenge
// and consumes it on success. A challenge can be solved at most once.
func (a *Authenticator) VerifyChallenge(ctx context.Context, uid string, clientNonce uint32) error {
	c, err := a.challenges.GetChallenge(ctx, uid)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNoChallenge
	}
	if !CheckProofOfWork(uid, c.Nonce, c.Difficulty, clientNonce) {
		logging.Warn(ctx, "proof of work rejected", zap.String("uid", uid))
		return ErrBadProofOfWork
	}
	return a.challenges.DeleteChallenge(ctx, uid)
}

// ParseCredential decodes `Basic base64(uid[.deviceId]:token)`. A missing
// device id means the master device.
func ParseCredential(credential string) (types.Address, string, error) {
	raw := strings.TrimPrefix(credential, "Basic ")
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return types.Address{}, "", fmt.Errorf("%w: bad base64", ErrInvalidCredential)
	}

	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return types.Address{}, "", fmt.Errorf("%w: missing uid or token", ErrInvalidCredential)
	}

	subject, token := parts[0], parts[1]
	uid := subject
	deviceID := types.MasterDeviceID
	if idx := strings.LastIndex(subject, "."); idx > 0 {
		if dev, err := strconv.ParseUint(subject[idx+1:], 10, 32); err == nil {
			uid = subject[:idx]
			deviceID = types.DeviceID(dev)
		}
	}
	return types.NewAddress(types.Uid(uid), deviceID), token, nil
}

// VerifyCredential authenticates a transport credential and returns the
// address it belongs to. Satisfies transport.Authenticator.
func (a *Authenticator) VerifyCredential(ctx context.Context, credential string) (types.Address, error) {
	addr, token, err := ParseCredential(credential)
	if err != nil {
		return types.Address{}, err
	}

	account, err := a.store.GetAccount(ctx, string(addr.UID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Address{}, ErrInvalidCredential
		}
		return types.Address{}, err
	}
	if account.State != types.AccountStateNormal {
		return types.Address{}, ErrInvalidCredential
	}

	device, err := a.store.GetDevice(ctx, string(addr.UID), addr.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Address{}, ErrInvalidCredential
		}
		return types.Address{}, err
	}
	if device.State == types.DeviceStateLogout {
		return types.Address{}, ErrInvalidCredential
	}
	if !VerifyToken(device.Salt, device.TokenHash, token) {
		return types.Address{}, ErrInvalidCredential
	}
	return addr, nil
}
