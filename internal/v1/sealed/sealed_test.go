package sealed

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupKeyPair(t *testing.T) (priv, pub []byte) {
	t.Helper()
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return key.Bytes(), key.PublicKey().Bytes()
}

func TestSealOpenRoundTrip(t *testing.T) {
	priv, pub := groupKeyPair(t)

	env, err := Seal("sender-uid-123", pub)
	require.NoError(t, err)
	assert.Equal(t, Version, env.Version)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pub), env.GroupMsgPubkey)

	uid, err := Open(env, priv)
	require.NoError(t, err)
	assert.Equal(t, "sender-uid-123", uid)
}

func TestSeal_EnvelopesDiffer(t *testing.T) {
	_, pub := groupKeyPair(t)

	a, err := Seal("u", pub)
	require.NoError(t, err)
	b, err := Seal("u", pub)
	require.NoError(t, err)

	// Fresh ephemeral key and IV every time.
	assert.NotEqual(t, a.EphemeralPubkey, b.EphemeralPubkey)
	assert.NotEqual(t, a.Source, b.Source)
}

func TestOpen_WrongKey(t *testing.T) {
	_, pub := groupKeyPair(t)
	otherPriv, _ := groupKeyPair(t)

	env, err := Seal("sender", pub)
	require.NoError(t, err)

	uid, err := Open(env, otherPriv)
	if err == nil {
		// CBC with random key usually fails padding; on the off chance it
		// unpads, the uid must still be wrong.
		assert.NotEqual(t, "sender", uid)
	}
}

func TestOpen_RejectsMalformedEnvelopes(t *testing.T) {
	priv, pub := groupKeyPair(t)
	env, err := Seal("sender", pub)
	require.NoError(t, err)

	bad := *env
	bad.Version = 2
	_, err = Open(&bad, priv)
	assert.ErrorIs(t, err, ErrBadEnvelope)

	bad = *env
	bad.IV = "!!!"
	_, err = Open(&bad, priv)
	assert.ErrorIs(t, err, ErrBadEnvelope)

	bad = *env
	bad.Source = base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = Open(&bad, priv)
	assert.ErrorIs(t, err, ErrBadEnvelope)

	bad = *env
	bad.EphemeralPubkey = base64.StdEncoding.EncodeToString([]byte("not-32-bytes"))
	_, err = Open(&bad, priv)
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestValidate(t *testing.T) {
	_, pub := groupKeyPair(t)
	env, err := Seal("sender", pub)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	assert.NoError(t, Validate(string(raw)))

	assert.ErrorIs(t, Validate("not json"), ErrBadEnvelope)

	bad := *env
	bad.Version = 9
	raw, _ = json.Marshal(bad)
	assert.ErrorIs(t, Validate(string(raw)), ErrBadEnvelope)

	bad = *env
	bad.GroupMsgPubkey = base64.StdEncoding.EncodeToString([]byte("short"))
	raw, _ = json.Marshal(bad)
	assert.ErrorIs(t, Validate(string(raw)), ErrBadEnvelope)

	bad = *env
	bad.Source = base64.StdEncoding.EncodeToString([]byte("unaligned"))
	raw, _ = json.Marshal(bad)
	assert.ErrorIs(t, Validate(string(raw)), ErrBadEnvelope)
}

func TestPaddingRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 15, 16, 17, 31, 32} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i)
		}
		padded := pad(data, 16)
		require.Zero(t, len(padded)%16)
		out, err := unpad(padded, 16)
		require.NoError(t, err)
		assert.Equal(t, data, out, "size %d", size)
	}
}

func TestUnpad_Rejects(t *testing.T) {
	_, err := unpad([]byte{}, 16)
	assert.ErrorIs(t, err, ErrBadPadding)

	block := make([]byte, 16)
	block[15] = 17 // larger than block size
	_, err = unpad(block, 16)
	assert.ErrorIs(t, err, ErrBadPadding)

	block[15] = 3
	block[14] = 3
	block[13] = 1 // inconsistent fill
	_, err = unpad(block, 16)
	assert.ErrorIs(t, err, ErrBadPadding)
}
