package e2ee

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint is the hex form of the first 16 bytes of SHA-256(publicKey).
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}
	return b.String()
}

// SafetyNumber combines two fingerprints in sorted order, so both parties
// compute the same string.
func SafetyNumber(fingerprintA, fingerprintB string) string {
	pair := []string{
		strings.ToLower(strings.ReplaceAll(fingerprintA, " ", "")),
		strings.ToLower(strings.ReplaceAll(fingerprintB, " ", "")),
	}
	sort.Strings(pair)
	return FormatFingerprint(pair[0] + pair[1])
}
