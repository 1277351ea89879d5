package offers

import (
	"crypto/rand"
	"encoding/base64"
)

// generateToken returns 256 bits of randomness as 43 URL-safe characters.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b)[:43], nil
}
