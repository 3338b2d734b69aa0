package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// DeriveUid computes the account id from the account public key: the hex
// form of its SHA-256 digest. Clients derive the same value locally, so the
// id needs no registry and cannot be chosen by the caller.
func DeriveUid(pubKey []byte) string {
	sum := sha256.Sum256(pubKey)
	return hex.EncodeToString(sum[:])
}

// VerifyAccountSignature checks an Ed25519 signature against the account's
// stored public key. Both key and signature travel base64 encoded.
func VerifyAccountSignature(pubKeyB64 string, message []byte, sigB64 string) bool {
	pub, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		sig, err = base64.StdEncoding.DecodeString(sigB64)
		if err != nil {
			return false
		}
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
