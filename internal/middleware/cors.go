package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/rs/cors"
)

// CORS answers preflight requests and sets Access-Control headers for
// requests whose Origin is in the allow list. A "*" entry allows any origin
// but then credentials are never allowed.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowAll := slices.Contains(origins, "*")
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: !allowAll,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	})
	return c.Handler
}

// OriginHosts strips the scheme from each origin, yielding host patterns
// suitable for websocket origin checks.
func OriginHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, rest, ok := strings.Cut(o, "://"); ok {
			o = rest
		}
		hosts = append(hosts, strings.TrimSuffix(o, "/"))
	}
	return hosts
}
