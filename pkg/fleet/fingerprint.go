package fleet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Fingerprint computes the content fingerprint of an effective
// configuration. The document is canonicalized (decoded to generic form so
// map keys serialize in sorted order) before hashing, so two semantically
// identical documents always produce the same fingerprint regardless of
// field ordering in the source bytes.
func Fingerprint(doc *ManifestDocument) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}
	return FingerprintRaw(raw)
}

// FingerprintRaw computes the fingerprint of raw configuration bytes after
// canonicalization. Agents report this same hash for their live config.
func FingerprintRaw(raw []byte) (string, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("failed to canonicalize config: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("failed to re-marshal config: %w", err)
	}

	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
