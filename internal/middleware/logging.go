package middleware

import (
	"net/http"

	"github.com/2beens/cardiotracker/pkg"

	log "github.com/sirupsen/logrus"
)

func LogRequest() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if log.IsLevelEnabled(log.TraceLevel) {
				userIP, err := pkg.ReadUserIP(r)
				if err != nil {
					userIP = r.RemoteAddr
				}
				log.WithFields(log.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"ip":     userIP,
					"ua":     r.Header.Get("User-Agent"),
				}).Trace(" ====> request")
			}
			next.ServeHTTP(w, r)
		})
	}
}
