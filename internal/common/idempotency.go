package common

import (
	"context"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// IdempotencyHeader is the request header carrying the client's retry key.
const IdempotencyHeader = "Idempotency-Key"

const defaultIdemTTL = 24 * time.Hour

// Idem guards write endpoints against duplicate submissions. The first
// request holding a key wins; retries inside the TTL window get a 409.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

// Middleware enforces idempotency when the header is present. Requests
// without a key pass through untouched.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(IdempotencyHeader)
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = defaultIdemTTL
		}
		key := "idem:" + Sha256Hex(header)
		acquired, err := i.R.SetNX(r.Context(), key, "locked", ttl).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", map[string]any{"error": err.Error()})
			return
		}
		if !acquired {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
			return
		}
		defer func() {
			// keep the window alive even if the handler panics mid-flight
			_ = i.R.Expire(context.Background(), key, ttl).Err()
		}()
		next.ServeHTTP(w, r)
	})
}
