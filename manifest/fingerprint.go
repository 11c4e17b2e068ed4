package manifest

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gowebpki/jcs"
)

// Fingerprint is the hex sha256 of the RFC 8785 canonical JSON form of m.
// Two manifests with the same content always share a fingerprint regardless
// of how they were serialized on the wire. A nil Files map hashes like an
// empty one.
func Fingerprint(m *Manifest) (string, error) {
	raw, err := Encode(m.Clone())
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
