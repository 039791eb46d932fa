package eval

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// EvalContext names the dimensions a memoized result depends on: the
// trading day, the set of symbols in play and environment parameters such
// as the data source. It is never mutated after construction.
type EvalContext struct {
	TimeBucket string
	Universe   string
	Env        string
}

// NewEvalContext builds a context for asOf's trading day. universe and env
// are reduced to order-independent fingerprints.
func NewEvalContext(asOf time.Time, universe []string, env map[string]string) EvalContext {
	ec := EvalContext{}
	if !asOf.IsZero() {
		ec.TimeBucket = asOf.Format("2006-01-02")
	}
	if len(universe) > 0 {
		syms := append([]string(nil), universe...)
		sort.Strings(syms)
		ec.Universe = fingerprint(strings.Join(syms, ","))
	}
	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(env[k])
			b.WriteByte(0)
		}
		ec.Env = fingerprint(b.String())
	}
	return ec
}

// Key returns the cache key component for this context.
func (c EvalContext) Key() string {
	return c.TimeBucket + "|" + c.Universe + "|" + c.Env
}

// Cacheable reports whether results may be shared across calls. Without a
// time bucket a result is only valid for the call that produced it.
func (c EvalContext) Cacheable() bool { return c.TimeBucket != "" }

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
