// Package settings provides the layered fault-injection configuration
// and the predicates for matching requests against it.
package settings

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// HeaderPrefix is the prefix of request headers that carry setting overrides.
const HeaderPrefix = "x-lowdown-"

// DestinationHeader supplies the destination URL for a request.
const DestinationHeader = HeaderPrefix + "destination-url"

// Wildcard matches anything in match criteria.
const Wildcard = "*"

// Settings is a fully-resolved configuration for a single request.
// Every field always has a concrete value; an empty DestinationURL
// means no destination is set.
type Settings struct {
	FailBeforeCode        int    `json:"fail-before-code"`
	FailBeforePercentage  int    `json:"fail-before-percentage"`
	FailAfterPercentage   int    `json:"fail-after-percentage"`
	FailAfterCode         int    `json:"fail-after-code"`
	DuplicatePercentage   int    `json:"duplicate-percentage"`
	DelayBeforePercentage int    `json:"delay-before-percentage"`
	DelayBeforeMs         int64  `json:"delay-before-ms"`
	DelayAfterPercentage  int    `json:"delay-after-percentage"`
	DelayAfterMs          int64  `json:"delay-after-ms"`
	MatchURI              string `json:"match-uri"`
	MatchURIRegex         string `json:"match-uri-regex"`
	MatchMethod           string `json:"match-method"`
	MatchURIStartsWith    string `json:"match-uri-starts-with"`
	MatchHost             string `json:"match-host"`
	MatchHeaderName       string `json:"match-header-name"`
	MatchHeaderValue      string `json:"match-header-value"`
	DestinationURL        string `json:"destination-url,omitempty"`
}

// Default returns settings with the invariant defaults.
func Default() Settings {
	return Settings{
		FailBeforeCode: 503,
		FailAfterCode:  502,

		MatchURI:           Wildcard,
		MatchURIRegex:      Wildcard,
		MatchMethod:        Wildcard,
		MatchURIStartsWith: Wildcard,
		MatchHost:          Wildcard,
		MatchHeaderName:    Wildcard,
		MatchHeaderValue:   Wildcard,
	}
}

// ApplyLayer overwrites every field for which the layer has a value.
// An empty destination URL in the layer clears the destination.
func (s *Settings) ApplyLayer(l Layer) {
	if l.FailBeforeCode != nil {
		s.FailBeforeCode = *l.FailBeforeCode
	}
	if l.FailBeforePercentage != nil {
		s.FailBeforePercentage = *l.FailBeforePercentage
	}
	if l.FailAfterPercentage != nil {
		s.FailAfterPercentage = *l.FailAfterPercentage
	}
	if l.FailAfterCode != nil {
		s.FailAfterCode = *l.FailAfterCode
	}
	if l.DuplicatePercentage != nil {
		s.DuplicatePercentage = *l.DuplicatePercentage
	}
	if l.DelayBeforePercentage != nil {
		s.DelayBeforePercentage = *l.DelayBeforePercentage
	}
	if l.DelayBeforeMs != nil {
		s.DelayBeforeMs = *l.DelayBeforeMs
	}
	if l.DelayAfterPercentage != nil {
		s.DelayAfterPercentage = *l.DelayAfterPercentage
	}
	if l.DelayAfterMs != nil {
		s.DelayAfterMs = *l.DelayAfterMs
	}
	if l.MatchURI != nil {
		s.MatchURI = *l.MatchURI
	}
	if l.MatchURIRegex != nil {
		s.MatchURIRegex = *l.MatchURIRegex
	}
	if l.MatchMethod != nil {
		s.MatchMethod = *l.MatchMethod
	}
	if l.MatchURIStartsWith != nil {
		s.MatchURIStartsWith = *l.MatchURIStartsWith
	}
	if l.MatchHost != nil {
		s.MatchHost = *l.MatchHost
	}
	if l.MatchHeaderName != nil {
		s.MatchHeaderName = *l.MatchHeaderName
	}
	if l.MatchHeaderValue != nil {
		s.MatchHeaderValue = *l.MatchHeaderValue
	}
	if l.DestinationURL != nil {
		s.DestinationURL = *l.DestinationURL
	}
}

// Layer is a sparse set of setting overrides; only present fields
// override the base value on merge or apply.
type Layer struct {
	FailBeforeCode        *int    `yaml:"fail-before-code"`
	FailBeforePercentage  *int    `yaml:"fail-before-percentage"`
	FailAfterPercentage   *int    `yaml:"fail-after-percentage"`
	FailAfterCode         *int    `yaml:"fail-after-code"`
	DuplicatePercentage   *int    `yaml:"duplicate-percentage"`
	DelayBeforePercentage *int    `yaml:"delay-before-percentage"`
	DelayBeforeMs         *int64  `yaml:"delay-before-ms"`
	DelayAfterPercentage  *int    `yaml:"delay-after-percentage"`
	DelayAfterMs          *int64  `yaml:"delay-after-ms"`
	MatchURI              *string `yaml:"match-uri"`
	MatchURIRegex         *string `yaml:"match-uri-regex"`
	MatchMethod           *string `yaml:"match-method"`
	MatchURIStartsWith    *string `yaml:"match-uri-starts-with"`
	MatchHost             *string `yaml:"match-host"`
	MatchHeaderName       *string `yaml:"match-header-name"`
	MatchHeaderValue      *string `yaml:"match-header-value"`
	DestinationURL        *string `yaml:"destination-url"`
}

// Merge folds the other layer into this one, the other layer's
// fields take precedence.
func (l *Layer) Merge(other Layer) {
	if other.FailBeforeCode != nil {
		l.FailBeforeCode = other.FailBeforeCode
	}
	if other.FailBeforePercentage != nil {
		l.FailBeforePercentage = other.FailBeforePercentage
	}
	if other.FailAfterPercentage != nil {
		l.FailAfterPercentage = other.FailAfterPercentage
	}
	if other.FailAfterCode != nil {
		l.FailAfterCode = other.FailAfterCode
	}
	if other.DuplicatePercentage != nil {
		l.DuplicatePercentage = other.DuplicatePercentage
	}
	if other.DelayBeforePercentage != nil {
		l.DelayBeforePercentage = other.DelayBeforePercentage
	}
	if other.DelayBeforeMs != nil {
		l.DelayBeforeMs = other.DelayBeforeMs
	}
	if other.DelayAfterPercentage != nil {
		l.DelayAfterPercentage = other.DelayAfterPercentage
	}
	if other.DelayAfterMs != nil {
		l.DelayAfterMs = other.DelayAfterMs
	}
	if other.MatchURI != nil {
		l.MatchURI = other.MatchURI
	}
	if other.MatchURIRegex != nil {
		l.MatchURIRegex = other.MatchURIRegex
	}
	if other.MatchMethod != nil {
		l.MatchMethod = other.MatchMethod
	}
	if other.MatchURIStartsWith != nil {
		l.MatchURIStartsWith = other.MatchURIStartsWith
	}
	if other.MatchHost != nil {
		l.MatchHost = other.MatchHost
	}
	if other.MatchHeaderName != nil {
		l.MatchHeaderName = other.MatchHeaderName
	}
	if other.MatchHeaderValue != nil {
		l.MatchHeaderValue = other.MatchHeaderValue
	}
	if other.DestinationURL != nil {
		l.DestinationURL = other.DestinationURL
	}
}

// Entries returns the present fields of the layer as ordered
// key-value pairs, keyed by the header suffix names.
func (l Layer) Entries() [][2]string {
	var entries [][2]string
	pushInt := func(key string, v *int) {
		if v != nil {
			entries = append(entries, [2]string{key, strconv.Itoa(*v)})
		}
	}
	pushInt64 := func(key string, v *int64) {
		if v != nil {
			entries = append(entries, [2]string{key, strconv.FormatInt(*v, 10)})
		}
	}
	pushString := func(key string, v *string) {
		if v != nil {
			entries = append(entries, [2]string{key, *v})
		}
	}

	pushInt("fail-before-code", l.FailBeforeCode)
	pushInt("fail-before-percentage", l.FailBeforePercentage)
	pushInt("fail-after-percentage", l.FailAfterPercentage)
	pushInt("fail-after-code", l.FailAfterCode)
	pushInt("duplicate-percentage", l.DuplicatePercentage)
	pushInt("delay-before-percentage", l.DelayBeforePercentage)
	pushInt64("delay-before-ms", l.DelayBeforeMs)
	pushInt("delay-after-percentage", l.DelayAfterPercentage)
	pushInt64("delay-after-ms", l.DelayAfterMs)
	pushString("match-uri", l.MatchURI)
	pushString("match-uri-regex", l.MatchURIRegex)
	pushString("match-method", l.MatchMethod)
	pushString("match-uri-starts-with", l.MatchURIStartsWith)
	pushString("match-host", l.MatchHost)
	pushString("match-header-name", l.MatchHeaderName)
	pushString("match-header-value", l.MatchHeaderValue)
	pushString("destination-url", l.DestinationURL)
	return entries
}

// FromEnv reads a layer from fixed environment variables.
// Unset or unparsable variables leave the field absent.
func FromEnv() Layer {
	return Layer{
		FailBeforeCode:        envInt("FAIL_BEFORE_CODE", maxCode),
		FailBeforePercentage:  envInt("FAIL_BEFORE_PERCENTAGE", maxPercentage),
		FailAfterPercentage:   envInt("FAIL_AFTER_PERCENTAGE", maxPercentage),
		FailAfterCode:         envInt("FAIL_AFTER_CODE", maxCode),
		DuplicatePercentage:   envInt("DUPLICATE_PERCENTAGE", maxPercentage),
		DelayBeforePercentage: envInt("DELAY_BEFORE_PERCENTAGE", maxPercentage),
		DelayBeforeMs:         envInt64("DELAY_BEFORE_MS"),
		DelayAfterPercentage:  envInt("DELAY_AFTER_PERCENTAGE", maxPercentage),
		DelayAfterMs:          envInt64("DELAY_AFTER_MS"),
		MatchURI:              envString("MATCH_URI"),
		MatchURIRegex:         envString("MATCH_URI_REGEX"),
		MatchMethod:           envString("MATCH_METHOD"),
		MatchURIStartsWith:    envString("MATCH_URI_STARTS_WITH"),
		MatchHost:             envString("MATCH_HOST"),
		MatchHeaderName:       lowered(envString("MATCH_HEADER_NAME")),
		MatchHeaderValue:      envString("MATCH_HEADER_VALUE"),
		DestinationURL:        envString("DESTINATION_URL"),
	}
}

// FromHeaders reads a layer from x-lowdown- prefixed headers.
// Header names are matched case-insensitively; unparsable values
// and unrecognized suffixes are dropped.
func FromHeaders(h http.Header) Layer {
	var l Layer
	for name, values := range h {
		key, ok := strings.CutPrefix(strings.ToLower(name), HeaderPrefix)
		if !ok || len(values) == 0 {
			continue
		}
		text := values[len(values)-1]

		switch key {
		case "fail-before-code":
			l.FailBeforeCode = parseInt(text, maxCode)
		case "fail-before-percentage":
			l.FailBeforePercentage = parseInt(text, maxPercentage)
		case "fail-after-percentage":
			l.FailAfterPercentage = parseInt(text, maxPercentage)
		case "fail-after-code":
			l.FailAfterCode = parseInt(text, maxCode)
		case "duplicate-percentage":
			l.DuplicatePercentage = parseInt(text, maxPercentage)
		case "delay-before-percentage":
			l.DelayBeforePercentage = parseInt(text, maxPercentage)
		case "delay-before-ms":
			l.DelayBeforeMs = parseInt64(text)
		case "delay-after-percentage":
			l.DelayAfterPercentage = parseInt(text, maxPercentage)
		case "delay-after-ms":
			l.DelayAfterMs = parseInt64(text)
		case "match-uri":
			l.MatchURI = &text
		case "match-uri-regex":
			l.MatchURIRegex = &text
		case "match-method":
			l.MatchMethod = &text
		case "match-uri-starts-with":
			l.MatchURIStartsWith = &text
		case "match-host":
			l.MatchHost = &text
		case "match-header-name":
			lower := strings.ToLower(text)
			l.MatchHeaderName = &lower
		case "match-header-value":
			l.MatchHeaderValue = &text
		case "destination-url":
			l.DestinationURL = &text
		}
	}
	return l
}

// FromFile reads a layer from a YAML file. An empty file yields
// an empty layer.
func FromFile(path string) (Layer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Layer{}, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	var l Layer
	if err = yaml.NewDecoder(f).Decode(&l); err != nil {
		if errors.Is(err, io.EOF) {
			return Layer{}, nil
		}
		return Layer{}, fmt.Errorf("decode file: %w", err)
	}

	l.MatchHeaderName = lowered(l.MatchHeaderName)
	return l, nil
}

const (
	maxPercentage = 255   // mirrors the header value range, anything >= 100 always triggers
	maxCode       = 65535 // clamped to 500 at response time if not a valid HTTP status
)

func parseInt(s string, max int) *int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v > max {
		return nil
	}
	return &v
}

func parseInt64(s string) *int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

func envInt(key string, max int) *int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	return parseInt(v, max)
}

func envInt64(key string) *int64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	return parseInt64(v)
}

func envString(key string) *string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	return &v
}

func lowered(s *string) *string {
	if s == nil {
		return nil
	}
	lower := strings.ToLower(*s)
	return &lower
}
