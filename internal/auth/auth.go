package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/chronologos/rollnet/internal/protocol"
)

const PasskeySize = 32

// ExporterLabel is the TLS exporter label both ends derive keying material
// with before computing the token.
const ExporterLabel = "rollnet-auth-v1"

var ErrPasskeySize = errors.New("passkey must be 32 bytes")

// GeneratePasskey returns a cryptographically random 32-byte passkey.
func GeneratePasskey() ([]byte, error) {
	key := make([]byte, PasskeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParsePasskey decodes a hex-encoded passkey.
func ParsePasskey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode passkey: %w", err)
	}
	if len(key) != PasskeySize {
		return nil, fmt.Errorf("%w, got %d", ErrPasskeySize, len(key))
	}
	return key, nil
}

// ComputeAuthToken computes HMAC-SHA256(passkey, exporterMaterial || role).
// The exporterMaterial should come from TLS.ExportKeyingMaterial to bind
// the token to the TLS session; the role is bound so a token minted for a
// spectator cannot be replayed to claim a player slot.
func ComputeAuthToken(passkey, exporterMaterial []byte, role protocol.Role) [32]byte {
	mac := hmac.New(sha256.New, passkey)
	mac.Write(exporterMaterial)
	var r [4]byte
	binary.BigEndian.PutUint32(r[:], uint32(role))
	mac.Write(r[:])
	var token [32]byte
	copy(token[:], mac.Sum(nil))
	return token
}

// VerifyAuthToken checks that the provided token matches the expected
// HMAC-SHA256(passkey, exporterMaterial || role).
func VerifyAuthToken(passkey, exporterMaterial []byte, role protocol.Role, token [32]byte) bool {
	expected := ComputeAuthToken(passkey, exporterMaterial, role)
	return hmac.Equal(token[:], expected[:])
}
