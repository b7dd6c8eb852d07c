package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/hubmcp/hubbridge/internal/errx"
)

// Fingerprint identifies one cacheable request: who asked, which tool, and
// a digest of the normalized arguments. Two requests with the same
// fingerprint are interchangeable.
type Fingerprint struct {
	UserID int64
	Tool   string
	digest string
}

// NewFingerprint normalizes the arguments and digests them. Argument JSON
// that differs only in key order or whitespace produces the same
// fingerprint.
func NewFingerprint(userID int64, tool string, args json.RawMessage) (Fingerprint, error) {
	normalized, err := normalizeArguments(args)
	if err != nil {
		return Fingerprint{}, errx.Wrap(err, errx.KindInvalidArgument, "arguments are not valid JSON")
	}

	h := sha256.New()
	h.Write(normalized)
	return Fingerprint{
		UserID: userID,
		Tool:   tool,
		digest: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Key returns the cache key. User and tool stay readable so invalidation
// can match on them; only the arguments are hashed.
func (f Fingerprint) Key() string {
	return fmt.Sprintf("%d|%s|%s", f.UserID, f.Tool, f.digest)
}

// normalizeArguments canonicalizes argument JSON by decoding and
// re-encoding it. encoding/json sorts object keys, so semantically equal
// payloads come out byte-identical. Absent and null arguments normalize to
// the empty object.
func normalizeArguments(args json.RawMessage) ([]byte, error) {
	if len(args) == 0 {
		return []byte("{}"), nil
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, err
	}
	if decoded == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(decoded)
}
