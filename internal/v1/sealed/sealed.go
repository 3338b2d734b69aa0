// Package sealed implements the sealed sender envelope: the sender's uid is
// encrypted to the group message key so the server stores who sent a message
// without being able to read it.
package sealed

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only envelope version currently produced or accepted.
const Version = 1

var (
	ErrBadEnvelope = errors.New("malformed sealed envelope")
	ErrBadPadding  = errors.New("bad envelope padding")
)

// Envelope is the stored sourceExtra blob. All byte fields are base64.
type Envelope struct {
	Version         int    `json:"version"`
	GroupMsgPubkey  string `json:"groupMsgPubkey"`
	EphemeralPubkey string `json:"ephemeralPubkey"`
	IV              string `json:"iv"`
	Source          string `json:"source"`
}

// Seal encrypts the sender uid to the group message public key using an
// ephemeral X25519 key, SHA-256 key derivation and AES-256-CBC.
func Seal(senderUID string, groupMsgPubkey []byte) (*Envelope, error) {
	groupPub, err := ecdh.X25519().NewPublicKey(groupMsgPubkey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad group message key: %v", ErrBadEnvelope, err)
	}

	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	shared, err := ephemeral.ECDH(groupPub)
	if err != nil {
		return nil, err
	}
	key := sha256.Sum256(shared)

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	plaintext := pad([]byte(senderUID), aes.BlockSize)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	return &Envelope{
		Version:         Version,
		GroupMsgPubkey:  base64.StdEncoding.EncodeToString(groupMsgPubkey),
		EphemeralPubkey: base64.StdEncoding.EncodeToString(ephemeral.PublicKey().Bytes()),
		IV:              base64.StdEncoding.EncodeToString(iv),
		Source:          base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Open recovers the sender uid using the group message private key. Only a
// holder of the key, i.e. a group member, can do this.
func Open(env *Envelope, groupMsgPrivkey []byte) (string, error) {
	if env.Version != Version {
		return "", fmt.Errorf("%w: unsupported version %d", ErrBadEnvelope, env.Version)
	}

	priv, err := ecdh.X25519().NewPrivateKey(groupMsgPrivkey)
	if err != nil {
		return "", fmt.Errorf("%w: bad group message key: %v", ErrBadEnvelope, err)
	}
	ephPubRaw, err := base64.StdEncoding.DecodeString(env.EphemeralPubkey)
	if err != nil {
		return "", ErrBadEnvelope
	}
	ephPub, err := ecdh.X25519().NewPublicKey(ephPubRaw)
	if err != nil {
		return "", fmt.Errorf("%w: bad ephemeral key: %v", ErrBadEnvelope, err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrBadEnvelope
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Source)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrBadEnvelope
	}

	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return "", err
	}
	key := sha256.Sum256(shared)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// Validate structurally checks a stored envelope blob without the private
// key: version, base64 fields and block alignment. The server cannot open
// envelopes, but it refuses to store garbage.
func Validate(raw string) error {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return ErrBadEnvelope
	}
	if env.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrBadEnvelope, env.Version)
	}
	for _, field := range []string{env.GroupMsgPubkey, env.EphemeralPubkey} {
		key, err := base64.StdEncoding.DecodeString(field)
		if err != nil {
			return ErrBadEnvelope
		}
		if _, err := ecdh.X25519().NewPublicKey(key); err != nil {
			return fmt.Errorf("%w: bad public key: %v", ErrBadEnvelope, err)
		}
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return ErrBadEnvelope
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Source)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return ErrBadEnvelope
	}
	return nil
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}
