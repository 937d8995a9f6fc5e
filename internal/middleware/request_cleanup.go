package middleware

import (
	"io"
	"net/http"
)

// MaxRequestBodyBytes caps JSON bodies; commands and fixes are a few hundred bytes.
const MaxRequestBodyBytes = 64 << 10

// DrainAndCloseRequest limits the request body to maxBytes and drains and closes
// whatever the handler left unread, so the connection can be reused.
func DrainAndCloseRequest(maxBytes int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			original := r.Body
			if original != nil && original != http.NoBody && maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, original, maxBytes)
			}

			next.ServeHTTP(w, r)

			if original != nil {
				_, _ = io.Copy(io.Discard, io.LimitReader(original, maxBytes))
				_ = original.Close()
			}
		})
	}
}
