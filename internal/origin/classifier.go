// Package origin classifies links into origin types and maps each origin type
// to the fetch strategy that can retrieve it.
package origin

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// Rule matches a parsed link to an origin type.
type Rule struct {
	Name   string
	Origin bundle.OriginType
	Match  func(u *url.URL) bool
}

// Classifier evaluates rules in order; the first match wins. Links that match
// no rule, or fail to parse, are Generic.
type Classifier struct {
	rules []Rule
}

// New builds a Classifier from an ordered rule table.
func New(rules ...Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// Default returns the classifier used in production.
func Default() *Classifier {
	return New(VideoHostingRules()...)
}

// Classify returns the origin type for link.
func (c *Classifier) Classify(link string) bundle.OriginType {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || u.Host == "" {
		return bundle.OriginGeneric
	}
	for _, r := range c.rules {
		if r.Match != nil && r.Match(u) {
			return r.Origin
		}
	}
	return bundle.OriginGeneric
}

var youtubeHosts = map[string]struct{}{
	"youtube.com":       {},
	"www.youtube.com":   {},
	"m.youtube.com":     {},
	"music.youtube.com": {},
}

// VideoHostingRules recognizes links that need media extraction rather than a
// raw byte copy.
func VideoHostingRules() []Rule {
	return []Rule{
		{
			Name:   "youtube-watch",
			Origin: bundle.OriginVideoHosting,
			Match: func(u *url.URL) bool {
				if _, ok := youtubeHosts[strings.ToLower(u.Hostname())]; !ok {
					return false
				}
				if u.Path == "/watch" {
					return u.Query().Get("v") != ""
				}
				return strings.HasPrefix(u.Path, "/shorts/") && len(u.Path) > len("/shorts/")
			},
		},
		{
			Name:   "youtu.be",
			Origin: bundle.OriginVideoHosting,
			Match: func(u *url.URL) bool {
				return strings.EqualFold(u.Hostname(), "youtu.be") && strings.Trim(u.Path, "/") != ""
			},
		},
	}
}

// Strategies maps each origin type to its fetcher. Lookups for an origin with
// no registered strategy fall back to Generic.
type Strategies map[bundle.OriginType]bundle.Fetcher

// For returns the fetcher for origin.
func (s Strategies) For(origin bundle.OriginType) (bundle.Fetcher, error) {
	if f, ok := s[origin]; ok && f != nil {
		return f, nil
	}
	if f, ok := s[bundle.OriginGeneric]; ok && f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %s", bundle.ErrUnsupportedOrigin, origin)
}
