package auth

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/courier-im/courier/internal/v1/store"
	"github.com/courier-im/courier/internal/v1/types"
)

type memChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*Challenge
}

func newMemChallengeStore() *memChallengeStore {
	return &memChallengeStore{challenges: make(map[string]*Challenge)}
}

func (m *memChallengeStore) PutChallenge(_ context.Context, uid string, c *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[uid] = c
	return nil
}

func (m *memChallengeStore) GetChallenge(_ context.Context, uid string) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challenges[uid], nil
}

func (m *memChallengeStore) DeleteChallenge(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.challenges, uid)
	return nil
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	return &store.Store{DB: db}
}

func TestTokenRoundTrip(t *testing.T) {
	token, salt, hash, err := GenerateToken()
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.True(t, VerifyToken(salt, hash, token))
	assert.False(t, VerifyToken(salt, hash, token+"x"))
	assert.False(t, VerifyToken("othersalt", hash, token))
}

func TestGenerateToken_Unique(t *testing.T) {
	t1, _, _, err := GenerateToken()
	require.NoError(t, err)
	t2, _, _, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
}

func TestCheckProofOfWork(t *testing.T) {
	c, err := NewChallenge(4)
	require.NoError(t, err)

	solution, ok := Solve("some-uid", c)
	require.True(t, ok)
	assert.True(t, CheckProofOfWork("some-uid", c.Nonce, c.Difficulty, solution))

	// Solutions are bound to the uid and the server nonce.
	assert.False(t, CheckProofOfWork("other-uid", c.Nonce, c.Difficulty, solution) &&
		CheckProofOfWork("some-uid", c.Nonce+1, c.Difficulty, solution))
}

func TestCheckProofOfWork_BadDifficulty(t *testing.T) {
	assert.False(t, CheckProofOfWork("u", 1, 33, 1))
}

func TestChallengeFlow(t *testing.T) {
	challenges := newMemChallengeStore()
	a := NewAuthenticator(setupStore(t), challenges, 4)
	ctx := context.Background()

	c, err := a.IssueChallenge(ctx, "u1")
	require.NoError(t, err)

	solution, ok := Solve("u1", c)
	require.True(t, ok)

	require.NoError(t, a.VerifyChallenge(ctx, "u1", solution))

	// A challenge is consumed on success.
	assert.ErrorIs(t, a.VerifyChallenge(ctx, "u1", solution), ErrNoChallenge)
}

func TestVerifyChallenge_WrongSolution(t *testing.T) {
	challenges := newMemChallengeStore()
	a := NewAuthenticator(setupStore(t), challenges, 20)
	ctx := context.Background()

	_, err := a.IssueChallenge(ctx, "u1")
	require.NoError(t, err)

	// At difficulty 20 a fixed guess is wrong with overwhelming probability;
	// regenerate in the unlucky case.
	for i := 0; i < 3; i++ {
		c, err := challenges.GetChallenge(ctx, "u1")
		require.NoError(t, err)
		if !CheckProofOfWork("u1", c.Nonce, c.Difficulty, 12345) {
			break
		}
		_, err = a.IssueChallenge(ctx, "u1")
		require.NoError(t, err)
	}
	assert.ErrorIs(t, a.VerifyChallenge(ctx, "u1", 12345), ErrBadProofOfWork)
}

func basic(subject, token string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(subject+":"+token))
}

func TestParseCredential(t *testing.T) {
	tests := []struct {
		name       string
		credential string
		wantUID    types.Uid
		wantDevice types.DeviceID
		wantErr    bool
	}{
		{"uid only defaults to master", basic("alice", "tok"), "alice", types.MasterDeviceID, false},
		{"uid with device", basic("alice.3", "tok"), "alice", 3, false},
		{"uid containing dot, no numeric suffix", basic("alice.bob", "tok"), "alice.bob", types.MasterDeviceID, false},
		{"missing token", basic("alice", ""), "", 0, true},
		{"not base64", "Basic %%%", "", 0, true},
		{"empty", "", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, token, err := ParseCredential(tt.credential)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredential)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUID, addr.UID)
			assert.Equal(t, tt.wantDevice, addr.DeviceID)
			assert.Equal(t, "tok", token)
		})
	}
}

func TestVerifyCredential(t *testing.T) {
	s := setupStore(t)
	a := NewAuthenticator(s, newMemChallengeStore(), 4)
	ctx := context.Background()

	token, salt, hash, err := GenerateToken()
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(ctx,
		&store.Account{Uid: "alice", PubKey: "pk"},
		&store.Device{Uid: "alice", DeviceID: types.MasterDeviceID, Salt: salt, TokenHash: hash}))

	addr, err := a.VerifyCredential(ctx, basic("alice", token))
	require.NoError(t, err)
	assert.Equal(t, types.NewAddress("alice", types.MasterDeviceID), addr)

	_, err = a.VerifyCredential(ctx, basic("alice", "wrong"))
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = a.VerifyCredential(ctx, basic("nobody", token))
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = a.VerifyCredential(ctx, basic("alice.2", token))
	assert.ErrorIs(t, err, ErrInvalidCredential, "unknown device")
}

func TestVerifyCredential_LoggedOutDevice(t *testing.T) {
	s := setupStore(t)
	a := NewAuthenticator(s, newMemChallengeStore(), 4)
	ctx := context.Background()

	token, salt, hash, err := GenerateToken()
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(ctx,
		&store.Account{Uid: "alice", PubKey: "pk"},
		&store.Device{Uid: "alice", DeviceID: 1, Salt: salt, TokenHash: hash, State: types.DeviceStateLogout}))

	_, err = a.VerifyCredential(ctx, basic("alice", token))
	assert.ErrorIs(t, err, ErrInvalidCredential)
}
