// Package rewrite transforms upstream HTML so it can be served from the proxy:
// six-letter words get a trademark sign and upstream links point back at the proxy.
package rewrite

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mark is appended to every six-letter word.
const Mark = "™"

// segmentPattern matches script and style blocks whole, then any other tag.
// Text between matches is subject to the trademark pass.
var segmentPattern = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>|<style[^>]*>.*?</style>|<[^>]+>`)

var (
	hrefPattern      = regexp.MustCompile(`href=(?:"(/[^"']*)"|'(/[^"']*)')`)
	otherAttrPattern = regexp.MustCompile(`(src|action|data-href|data-url|formaction)=(?:"(/[^"']*)"|'(/[^"']*)')`)
)

// Rewriter rewrites documents fetched from one upstream origin for one proxy base.
type Rewriter struct {
	proxyBase    string
	upstreamHost string
	absolute     *regexp.Regexp
}

// New returns a Rewriter mapping links on upstream (e.g. https://news.ycombinator.com)
// to proxyBase (e.g. http://127.0.0.1:8232).
func New(upstream, proxyBase string) (*Rewriter, error) {
	u, err := url.Parse(upstream)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", upstream)
	}
	base := strings.TrimRight(proxyBase, "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid proxy base %q: %w", proxyBase, err)
	}
	return &Rewriter{
		proxyBase:    base,
		upstreamHost: u.Host,
		absolute:     regexp.MustCompile(`https?://` + regexp.QuoteMeta(u.Host) + `([^\s"'<>]*)`),
	}, nil
}

// ProxyBase returns the base URL links are rewritten to.
func (r *Rewriter) ProxyBase() string {
	return r.proxyBase
}

// HTML applies the trademark pass to text outside tags, scripts and styles,
// then rewrites absolute and relative links.
func (r *Rewriter) HTML(doc string) string {
	return r.Links(TrademarkHTML(doc))
}

// TrademarkHTML appends Mark to six-letter words in text runs only.
func TrademarkHTML(doc string) string {
	var b strings.Builder
	b.Grow(len(doc) + len(doc)/16)
	last := 0
	for _, loc := range segmentPattern.FindAllStringIndex(doc, -1) {
		if loc[0] > last {
			b.WriteString(Trademark(doc[last:loc[0]]))
		}
		b.WriteString(doc[loc[0]:loc[1]])
		last = loc[1]
	}
	if last < len(doc) {
		b.WriteString(Trademark(doc[last:]))
	}
	return b.String()
}

// Trademark appends Mark to every word of exactly six ASCII letters. Word
// boundaries are Unicode-aware, so "straße" or "résumé" are left alone.
// Entity names such as &hellip; are not words.
func Trademark(text string) string {
	var b strings.Builder
	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !isWordRune(r) {
			b.WriteString(text[i : i+size])
			i += size
			continue
		}
		start := i
		for i < len(text) {
			r, size = utf8.DecodeRuneInString(text[i:])
			if !isWordRune(r) {
				break
			}
			i += size
		}
		word := text[start:i]
		b.WriteString(word)
		if isSixASCIILetters(word) && !isEntityName(text, start, i) {
			b.WriteString(Mark)
		}
	}
	return b.String()
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

func isSixASCIILetters(word string) bool {
	if len(word) != 6 {
		return false
	}
	for i := 0; i < len(word); i++ {
		c := word[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

func isEntityName(text string, start, end int) bool {
	return start > 0 && text[start-1] == '&' && end < len(text) && text[end] == ';'
}

// Links rewrites absolute upstream URLs, then relative href values, then
// relative src, action, data-href, data-url and formaction values.
func (r *Rewriter) Links(doc string) string {
	doc = r.absolute.ReplaceAllStringFunc(doc, func(m string) string {
		return r.proxyBase + r.absolute.FindStringSubmatch(m)[1]
	})

	doc = hrefPattern.ReplaceAllStringFunc(doc, func(m string) string {
		sub := hrefPattern.FindStringSubmatch(m)
		path, quote := quoted(sub[1], sub[2])
		if r.skip(path) {
			return m
		}
		return "href=" + quote + r.proxyBase + path + quote
	})

	return otherAttrPattern.ReplaceAllStringFunc(doc, func(m string) string {
		sub := otherAttrPattern.FindStringSubmatch(m)
		path, quote := quoted(sub[2], sub[3])
		if r.skip(path) {
			return m
		}
		return sub[1] + "=" + quote + r.proxyBase + path + quote
	})
}

func quoted(double, single string) (string, string) {
	if double != "" {
		return double, `"`
	}
	return single, `'`
}

func (r *Rewriter) skip(path string) bool {
	return strings.Contains(path, r.proxyBase) || strings.HasPrefix(path, "http") || strings.HasPrefix(path, "//")
}

// Location rewrites a redirect target on the upstream host to the proxy base.
// Relative and foreign locations are returned unchanged.
func (r *Rewriter) Location(loc string) string {
	u, err := url.Parse(loc)
	if err != nil || !strings.EqualFold(u.Host, r.upstreamHost) || (u.Scheme != "http" && u.Scheme != "https") {
		return loc
	}
	out := r.proxyBase + u.EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		out += "#" + u.EscapedFragment()
	}
	return out
}
