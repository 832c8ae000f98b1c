package settings

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	s := Default()

	assert.Equal(t, 503, s.FailBeforeCode)
	assert.Equal(t, 502, s.FailAfterCode)
	assert.Zero(t, s.FailBeforePercentage)
	assert.Zero(t, s.FailAfterPercentage)
	assert.Zero(t, s.DuplicatePercentage)
	assert.Zero(t, s.DelayBeforePercentage)
	assert.Zero(t, s.DelayBeforeMs)
	assert.Zero(t, s.DelayAfterPercentage)
	assert.Zero(t, s.DelayAfterMs)
	assert.Equal(t, "*", s.MatchURI)
	assert.Equal(t, "*", s.MatchURIRegex)
	assert.Equal(t, "*", s.MatchMethod)
	assert.Equal(t, "*", s.MatchURIStartsWith)
	assert.Equal(t, "*", s.MatchHost)
	assert.Equal(t, "*", s.MatchHeaderName)
	assert.Equal(t, "*", s.MatchHeaderValue)
	assert.Empty(t, s.DestinationURL)
}

func TestSettings_ApplyLayer(t *testing.T) {
	t.Run("empty layer changes nothing", func(t *testing.T) {
		s := Default()
		s.ApplyLayer(Layer{})
		assert.Equal(t, Default(), s)
	})

	t.Run("present fields override", func(t *testing.T) {
		s := Default()
		s.ApplyLayer(Layer{
			FailBeforeCode:        ptr(418),
			FailBeforePercentage:  ptr(50),
			FailAfterPercentage:   ptr(25),
			FailAfterCode:         ptr(504),
			DuplicatePercentage:   ptr(100),
			DelayBeforePercentage: ptr(10),
			DelayBeforeMs:         ptr64(150),
			DelayAfterPercentage:  ptr(20),
			DelayAfterMs:          ptr64(250),
			MatchURI:              ptrs("/api"),
			MatchURIRegex:         ptrs("/api/.*"),
			MatchMethod:           ptrs("POST"),
			MatchURIStartsWith:    ptrs("/api"),
			MatchHost:             ptrs("example.org"),
			MatchHeaderName:       ptrs("x-test"),
			MatchHeaderValue:      ptrs("yes"),
			DestinationURL:        ptrs("http://example.org"),
		})

		assert.Equal(t, Settings{
			FailBeforeCode:        418,
			FailBeforePercentage:  50,
			FailAfterPercentage:   25,
			FailAfterCode:         504,
			DuplicatePercentage:   100,
			DelayBeforePercentage: 10,
			DelayBeforeMs:         150,
			DelayAfterPercentage:  20,
			DelayAfterMs:          250,
			MatchURI:              "/api",
			MatchURIRegex:         "/api/.*",
			MatchMethod:           "POST",
			MatchURIStartsWith:    "/api",
			MatchHost:             "example.org",
			MatchHeaderName:       "x-test",
			MatchHeaderValue:      "yes",
			DestinationURL:        "http://example.org",
		}, s)
	})

	t.Run("empty destination clears it", func(t *testing.T) {
		s := Default()
		s.DestinationURL = "http://example.org"
		s.ApplyLayer(Layer{DestinationURL: ptrs("")})
		assert.Empty(t, s.DestinationURL)
	})
}

func TestLayer_Merge(t *testing.T) {
	t.Run("right-biased", func(t *testing.T) {
		l := Layer{FailBeforeCode: ptr(500), MatchURI: ptrs("/a")}
		l.Merge(Layer{FailBeforeCode: ptr(503), MatchMethod: ptrs("GET")})

		assert.Equal(t, 503, *l.FailBeforeCode)
		assert.Equal(t, "/a", *l.MatchURI)
		assert.Equal(t, "GET", *l.MatchMethod)
	})

	t.Run("absent fields pass base through", func(t *testing.T) {
		l := Layer{DestinationURL: ptrs("http://a")}
		l.Merge(Layer{})
		assert.Equal(t, "http://a", *l.DestinationURL)
	})

	// applying merge(l1, l2) must equal applying l1 then l2
	t.Run("merge equals sequential application", func(t *testing.T) {
		l1 := Layer{
			FailBeforeCode:      ptr(500),
			DuplicatePercentage: ptr(10),
			MatchURI:            ptrs("/a"),
			DestinationURL:      ptrs("http://a"),
		}
		l2 := Layer{
			FailBeforeCode: ptr(504),
			MatchMethod:    ptrs("PUT"),
			DestinationURL: ptrs(""),
		}

		sequential := Default()
		sequential.ApplyLayer(l1)
		sequential.ApplyLayer(l2)

		merged := l1
		merged.Merge(l2)
		atOnce := Default()
		atOnce.ApplyLayer(merged)

		assert.Equal(t, sequential, atOnce)
	})
}

func TestFromHeaders(t *testing.T) {
	t.Run("typed fields", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Lowdown-Fail-Before-Code", "503")
		h.Set("X-Lowdown-Fail-Before-Percentage", "100")
		h.Set("X-Lowdown-Delay-Before-Ms", "250")
		h.Set("X-Lowdown-Destination-Url", "http://example.org")

		l := FromHeaders(h)
		require.NotNil(t, l.FailBeforeCode)
		assert.Equal(t, 503, *l.FailBeforeCode)
		require.NotNil(t, l.FailBeforePercentage)
		assert.Equal(t, 100, *l.FailBeforePercentage)
		require.NotNil(t, l.DelayBeforeMs)
		assert.Equal(t, int64(250), *l.DelayBeforeMs)
		require.NotNil(t, l.DestinationURL)
		assert.Equal(t, "http://example.org", *l.DestinationURL)
	})

	t.Run("unparsable numerics are dropped, rest survives", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Lowdown-Fail-Before-Percentage", "lots")
		h.Set("X-Lowdown-Delay-After-Ms", "-3")
		h.Set("X-Lowdown-Match-Uri", "/api")

		l := FromHeaders(h)
		assert.Nil(t, l.FailBeforePercentage)
		assert.Nil(t, l.DelayAfterMs)
		require.NotNil(t, l.MatchURI)
		assert.Equal(t, "/api", *l.MatchURI)
	})

	t.Run("match-header-name is lower-cased", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Lowdown-Match-Header-Name", "X-Request-ID")

		l := FromHeaders(h)
		require.NotNil(t, l.MatchHeaderName)
		assert.Equal(t, "x-request-id", *l.MatchHeaderName)
	})

	t.Run("unrecognized suffixes and other headers ignored", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Lowdown-Unknown-Field", "1")
		h.Set("Content-Type", "application/json")

		assert.Equal(t, Layer{}, FromHeaders(h))
	})
}

func TestFromEnv(t *testing.T) {
	vars := []string{
		"FAIL_BEFORE_CODE", "FAIL_BEFORE_PERCENTAGE", "FAIL_AFTER_PERCENTAGE",
		"FAIL_AFTER_CODE", "DUPLICATE_PERCENTAGE", "DELAY_BEFORE_PERCENTAGE",
		"DELAY_BEFORE_MS", "DELAY_AFTER_PERCENTAGE", "DELAY_AFTER_MS",
		"MATCH_URI", "MATCH_URI_REGEX", "MATCH_METHOD", "MATCH_URI_STARTS_WITH",
		"MATCH_HOST", "MATCH_HEADER_NAME", "MATCH_HEADER_VALUE", "DESTINATION_URL",
	}
	for _, v := range vars {
		if _, ok := os.LookupEnv(v); ok {
			t.Setenv(v, "") // shadow whatever the environment carries
			require.NoError(t, os.Unsetenv(v))
		}
	}

	t.Run("unset variables leave fields absent", func(t *testing.T) {
		assert.Equal(t, Layer{}, FromEnv())
	})

	t.Run("variables are parsed best-effort", func(t *testing.T) {
		t.Setenv("FAIL_AFTER_CODE", "504")
		t.Setenv("DUPLICATE_PERCENTAGE", "nope")
		t.Setenv("MATCH_HEADER_NAME", "X-Test")
		t.Setenv("MATCH_HOST", "")
		t.Setenv("DESTINATION_URL", "http://example.org")

		l := FromEnv()
		require.NotNil(t, l.FailAfterCode)
		assert.Equal(t, 504, *l.FailAfterCode)
		assert.Nil(t, l.DuplicatePercentage)
		require.NotNil(t, l.MatchHeaderName)
		assert.Equal(t, "x-test", *l.MatchHeaderName)
		assert.Nil(t, l.MatchHost)
		require.NotNil(t, l.DestinationURL)
		assert.Equal(t, "http://example.org", *l.DestinationURL)
	})
}

func TestFromFile(t *testing.T) {
	write := func(t *testing.T, content string) string {
		path := filepath.Join(t.TempDir(), "settings.yml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	t.Run("present fields are read", func(t *testing.T) {
		l, err := FromFile(write(t, `
fail-before-percentage: 30
delay-before-ms: 200
match-header-name: X-Test
destination-url: http://example.org
`))
		require.NoError(t, err)
		require.NotNil(t, l.FailBeforePercentage)
		assert.Equal(t, 30, *l.FailBeforePercentage)
		require.NotNil(t, l.DelayBeforeMs)
		assert.Equal(t, int64(200), *l.DelayBeforeMs)
		require.NotNil(t, l.MatchHeaderName)
		assert.Equal(t, "x-test", *l.MatchHeaderName)
		require.NotNil(t, l.DestinationURL)
		assert.Equal(t, "http://example.org", *l.DestinationURL)
	})

	t.Run("empty file yields empty layer", func(t *testing.T) {
		l, err := FromFile(write(t, ""))
		require.NoError(t, err)
		assert.Equal(t, Layer{}, l)
	})

	t.Run("missing file errors", func(t *testing.T) {
		_, err := FromFile(filepath.Join(t.TempDir(), "nope.yml"))
		assert.Error(t, err)
	})
}

func TestLayer_Entries(t *testing.T) {
	l := Layer{
		FailBeforeCode: ptr(503),
		DelayBeforeMs:  ptr64(100),
		MatchURI:       ptrs("/api"),
		DestinationURL: ptrs("http://example.org"),
	}

	assert.Equal(t, [][2]string{
		{"fail-before-code", "503"},
		{"delay-before-ms", "100"},
		{"match-uri", "/api"},
		{"destination-url", "http://example.org"},
	}, l.Entries())

	assert.Empty(t, Layer{}.Entries())
}

func ptr(v int) *int       { return &v }
func ptr64(v int64) *int64 { return &v }
func ptrs(v string) *string { return &v }
