package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// CheckOrigin rejects websocket handshakes whose Origin host is not one of
// origins. Requests that are not upgrades pass through untouched, and an
// empty list or "*" allows everything.
func CheckOrigin(origins ...string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				if err := checkOrigin(r, origins); err != nil {
					http.Error(w, err.Error(), http.StatusForbidden)
					return
				}
			}

			h.ServeHTTP(w, r)
		})
	}
}

func checkOrigin(r *http.Request, origins []string) error {
	if len(origins) == 0 {
		return nil
	}

	ohd := r.Header.Get("Origin")
	if ohd == "" {
		return errors.New("websocket: origin header not found")
	}

	u, err := url.Parse(ohd)
	if err != nil {
		return errors.Wrap(err, "websocket: origin")
	}

	for _, origin := range origins {
		if origin == "*" || strings.EqualFold(u.Host, origin) {
			return nil
		}
	}
	return errors.Errorf("websocket: origin %s not allowed", u.Host)
}
