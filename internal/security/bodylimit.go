package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

// BodyLimit caps request payload size. Webhook and intent bodies are small;
// anything larger is either abuse or a misbehaving client.
type BodyLimit struct {
	Max int64
}

// Middleware rejects oversized payloads with 413. The declared Content-Length
// is checked first so oversized uploads are refused without reading them.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength != -1 && r.ContentLength > b.Max {
			rejectTooLarge(w)
			return
		}

		// Read one byte past the cap to distinguish "exactly Max" from over.
		data, err := io.ReadAll(io.LimitReader(r.Body, b.Max+1))
		if err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if int64(len(data)) > b.Max {
			rejectTooLarge(w)
			return
		}
		_ = r.Body.Close()

		r.Body = io.NopCloser(bytes.NewReader(data))
		r.ContentLength = int64(len(data))
		next.ServeHTTP(w, r)
	})
}

func rejectTooLarge(w http.ResponseWriter) {
	http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
}
