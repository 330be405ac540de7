// Package idempotency implements the claim-once gate: a canonicalized
// SHA-256 fingerprint of (userID, parentIntentID, lamport, tool, params)
// and an atomic claim-or-reject operation backed by kv.KV's CAS, so a
// duplicate delivery of the same causal action is suppressed instead of
// re-executed.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/tomwolfe/intentsaga/internal/kv"
)

// Fingerprint canonicalizes params (sorted keys, trimmed strings,
// null-collapse, element-wise arrays) and hashes the full tuple with
// SHA-256, returning the first 16 hex characters — enough collision
// resistance for a claim key scoped to a single user+tool+lamport tick.
func Fingerprint(userID, parentIntentID string, lamport int64, tool string, params map[string]any) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(parentIntentID))
	h.Write([]byte{0})
	h.Write([]byte(formatInt(lamport)))
	h.Write([]byte{0})
	h.Write([]byte(tool))
	h.Write([]byte{0})
	writeCanonical(h, params)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:16]
}

func writeCanonical(h interface{ Write([]byte) (int, error) }, v any) {
	switch val := v.(type) {
	case nil:
		h.Write([]byte("null"))
	case string:
		h.Write([]byte(trimString(val)))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{':'})
			writeCanonical(h, val[k])
			h.Write([]byte{';'})
		}
	case []any:
		for _, e := range val {
			writeCanonical(h, e)
			h.Write([]byte{','})
		}
	case float64:
		h.Write([]byte(formatFloat(val)))
	case int:
		h.Write([]byte(formatInt(int64(val))))
	case int64:
		h.Write([]byte(formatInt(val)))
	case bool:
		if val {
			h.Write([]byte("true"))
		} else {
			h.Write([]byte("false"))
		}
	default:
		h.Write([]byte("null"))
	}
}

func trimString(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n') {
		end--
	}
	return s[start:end]
}

func formatInt(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func formatFloat(f float64) string {
	// Integral floats (the common case: JSON numbers decoded as float64)
	// render without a trailing ".0" so {"n":1} and {"n":1.0} fingerprint
	// identically, matching how a JSON decoder would have collapsed them.
	if f == float64(int64(f)) {
		return formatInt(int64(f))
	}
	return trimFloatString(f)
}

func trimFloatString(f float64) string {
	// minimal, dependency-free float formatting sufficient for a stable
	// fingerprint; exact precision matching isn't required since this
	// only needs to be consistent across calls, not human-readable.
	const prec = 1e9
	scaled := int64(f * prec)
	sign := ""
	if scaled < 0 {
		sign = "-"
		scaled = -scaled
	}
	whole := scaled / int64(prec)
	frac := scaled % int64(prec)
	return sign + formatInt(whole) + "." + formatInt(frac)
}

// Gate claims a fingerprint exactly once within a TTL window. It carries
// the user identity and causal pair (parent intent, lamport tick) its
// fingerprints are scoped to; a zero pair means the gate is used with
// explicit per-call pairs via the package-level Fingerprint.
type Gate struct {
	kv             kv.KV
	namespace      string
	userID         string
	parentIntentID string
	lamport        int64
	ttl            time.Duration
}

// DefaultTTL is how long a claimed fingerprint blocks a repeat claim.
const DefaultTTL = 24 * time.Hour

// NewGate creates a Gate for userID backed by backend.
func NewGate(backend kv.KV, namespace, userID string, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{kv: backend, namespace: namespace, userID: userID, ttl: ttl}
}

// Child derives a Gate for a sub-operation spawned under parentIntentID,
// carrying the same userID and TTL but the new causal pair — used when a
// step itself fans out further idempotency-sensitive calls, so a repeat
// of the same causal action dedupes while independent actions don't.
func (g *Gate) Child(parentIntentID string, lamport int64) *Gate {
	return &Gate{
		kv:             g.kv,
		namespace:      g.namespace,
		userID:         g.userID,
		parentIntentID: parentIntentID,
		lamport:        lamport,
		ttl:            g.ttl,
	}
}

// Fingerprint hashes tool+params under this gate's identity and causal
// pair.
func (g *Gate) Fingerprint(tool string, params map[string]any) string {
	return Fingerprint(g.userID, g.parentIntentID, g.lamport, tool, params)
}

// Claim atomically checks-and-sets key, returning true if this call is
// the first to claim it within the TTL window. A plain existence check
// followed by a Set is insufficient under concurrent claims — the race
// window between them could let two callers both believe they claimed
// first — so Claim uses the KV's CAS (expectedVersion 0 means "must not
// exist") to make the check-then-set atomic.
func (g *Gate) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = g.ttl
	}
	fullKey := kv.Namespace(g.namespace, "idempotency", key)
	res, err := g.kv.CAS(ctx, fullKey, 0, []byte{1}, 1)
	if err != nil {
		return false, err
	}
	if !res.Success {
		return false, nil
	}
	if err := g.kv.Expire(ctx, fullKey, ttl); err != nil {
		return false, err
	}
	return true, nil
}
