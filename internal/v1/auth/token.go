package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Credential material for one device. The plaintext token is issued to the
// client exactly once; the server keeps only the salted HMAC.

const (
	tokenBytes = 32
	saltBytes  = 16
)

// GenerateToken mints a fresh device token and the salt plus hash the server
// stores for it.
func GenerateToken() (token, salt, tokenHash string, err error) {
	raw := make([]byte, tokenBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	rawSalt := make([]byte, saltBytes)
	if _, err = rand.Read(rawSalt); err != nil {
		return "", "", "", fmt.Errorf("failed to generate salt: %w", err)
	}

	token = base64.RawURLEncoding.EncodeToString(raw)
	salt = hex.EncodeToString(rawSalt)
	tokenHash = HashToken(salt, token)
	return token, salt, tokenHash, nil
}

// HashToken computes hex(HMAC-SHA256(salt, token)).
func HashToken(salt, token string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a presented token against the stored salt and hash in
// constant time.
func VerifyToken(salt, tokenHash, presented string) bool {
	computed := HashToken(salt, presented)
	return hmac.Equal([]byte(computed), []byte(tokenHash))
}
