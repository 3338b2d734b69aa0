package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// powPrefix salts the proof-of-work preimage so hashes cannot be reused
// across protocols.
const powPrefix = "BCM"

// Challenge is the proof-of-work puzzle issued before signup and signin.
type Challenge struct {
	Nonce      uint32 `json:"nonce"`
	Difficulty uint32 `json:"difficulty"`
	Timestamp  int64  `json:"timestamp"`
}

// NewChallenge mints a random challenge at the given difficulty.
func NewChallenge(difficulty uint32) (*Challenge, error) {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("failed to generate challenge nonce: %w", err)
	}
	return &Challenge{
		Nonce:      binary.BigEndian.Uint32(raw[:]),
		Difficulty: difficulty,
		Timestamp:  time.Now().Unix(),
	}, nil
}

// CheckProofOfWork verifies the client's solution: the double SHA-256 of
// prefix, uid and the three big-endian nonces must start with at least
// `difficulty` zero bits.
func CheckProofOfWork(uid string, nonce, difficulty, clientNonce uint32) bool {
	if difficulty > 32 {
		return false
	}

	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], nonce)
	binary.BigEndian.PutUint32(buf[4:8], difficulty)
	binary.BigEndian.PutUint32(buf[8:12], clientNonce)

	h := sha256.New()
	h.Write([]byte(powPrefix))
	h.Write([]byte(uid))
	h.Write(buf[:])
	first := h.Sum(nil)
	second := sha256.Sum256(first)

	value := uint64(binary.BigEndian.Uint32(second[:4]))
	target := uint64(1) << (32 - difficulty)
	return value < target
}

// Solve brute-forces a client nonce, used by tests and tooling.
func Solve(uid string, c *Challenge) (uint32, bool) {
	for candidate := uint32(0); ; candidate++ {
		if CheckProofOfWork(uid, c.Nonce, c.Difficulty, candidate) {
			return candidate, true
		}
		if candidate == ^uint32(0) {
			return 0, false
		}
	}
}
