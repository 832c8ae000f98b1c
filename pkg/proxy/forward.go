package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/lowdown-proxy/lowdown/pkg/settings"
)

var forwardPrefixes = []string{"/lowdown-fwd-", "/lowdown-forward-"}

var forwardSchemes = []string{"http", "https"}

// RewriteForwarding inspects the request path for the forwarding
// convention /lowdown-fwd-{http|https}/<host>[/<path>] and, if found,
// injects the destination header and replaces the request path.
// Requests without the convention, or with an empty host segment,
// pass through unmodified.
func RewriteForwarding(r *http.Request) {
	scheme, host, path, ok := parseForwardTarget(r.URL.RequestURI())
	if !ok {
		return
	}

	r.Header.Set(settings.DestinationHeader, scheme+"://"+host)

	parsed, err := url.ParseRequestURI(path)
	if err != nil {
		parsed = &url.URL{Path: "/"}
	}
	r.URL = parsed
}

func parseForwardTarget(uri string) (scheme, host, path string, ok bool) {
	for _, prefix := range forwardPrefixes {
		rest, found := strings.CutPrefix(uri, prefix)
		if !found {
			continue
		}

		for _, sch := range forwardSchemes {
			after, found := strings.CutPrefix(rest, sch+"/")
			if !found {
				continue
			}

			host, remainder, hasPath := strings.Cut(after, "/")
			if host == "" {
				return "", "", "", false
			}

			path = "/"
			if hasPath {
				path += remainder
			}
			return sch, host, path, true
		}
	}
	return "", "", "", false
}
