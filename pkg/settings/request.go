package settings

import (
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/cappuccinotm/slogx"
)

// RequestContext carries the parts of an incoming request needed
// for matching. It is built per request and never stored.
type RequestContext struct {
	Method  string
	URI     string // path and query
	Headers map[string]string
}

// FromRequest builds a request context from an HTTP request.
// Header names are lower-cased, for repeated headers the last
// value wins.
func FromRequest(r *http.Request) RequestContext {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[len(values)-1]
	}
	return RequestContext{
		Method:  r.Method,
		URI:     r.URL.RequestURI(),
		Headers: headers,
	}
}

// Matches reports whether the request satisfies every match criterion
// of the settings. It never fails: an invalid regex pattern logs a
// warning and evaluates to false.
func Matches(ctx RequestContext, s Settings) bool {
	return matchesURI(s.MatchURI, ctx.URI) &&
		matchesURIRegex(s.MatchURIRegex, ctx.URI) &&
		matchesHost(s.MatchHost, s.DestinationURL) &&
		matchesURIStartsWith(s.MatchURIStartsWith, ctx.URI) &&
		matchesMethod(s.MatchMethod, ctx.Method) &&
		matchesHeader(ctx.Headers, s.MatchHeaderName, s.MatchHeaderValue)
}

func matchesURI(pattern, uri string) bool {
	return pattern == Wildcard || pattern == uri
}

func matchesURIRegex(pattern, uri string) bool {
	if pattern == Wildcard {
		return true
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		slog.Warn("invalid match-uri-regex pattern",
			slog.String("pattern", pattern), slogx.Error(err))
		return false
	}

	// the pattern must cover the whole URI
	loc := re.FindStringIndex(uri)
	return loc != nil && loc[0] == 0 && loc[1] == len(uri)
}

func matchesURIStartsWith(prefix, uri string) bool {
	return prefix == Wildcard || strings.HasPrefix(uri, prefix)
}

func matchesMethod(pattern, method string) bool {
	return pattern == Wildcard || strings.EqualFold(pattern, method)
}

func matchesHeader(headers map[string]string, name, value string) bool {
	if name == Wildcard || value == Wildcard {
		return true
	}
	got, ok := headers[strings.ToLower(name)]
	return ok && got == value
}

func matchesHost(pattern, destination string) bool {
	if pattern == Wildcard {
		return true
	}
	host, ok := HostFragment(destination)
	return ok && host == pattern
}

// HostFragment extracts the text after "://" from a destination URL.
func HostFragment(url string) (string, bool) {
	_, host, ok := strings.Cut(url, "://")
	return host, ok
}
