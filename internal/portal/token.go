package portal

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	metaTokenRe  = regexp.MustCompile(`<meta[^>]+name=["']csrf-token["'][^>]+content=["']([^"']+)["']`)
	metaTokenRe2 = regexp.MustCompile(`<meta[^>]+content=["']([^"']+)["'][^>]+name=["']csrf-token["']`)
	inputTokenRe = regexp.MustCompile(`<input[^>]+name=["']authenticity_token["'][^>]+value=["']([^"']+)["']`)
	jsRedirectRe = regexp.MustCompile(`(?:window\.|document\.)?location(?:(?:\.href)?\s*=\s*|\.(?:replace|assign)\(\s*)["']([^"']+)["']`)
)

// ExtractToken pulls the anti-forgery token out of an HTML page: the
// csrf-token meta tag first, then a hidden authenticity_token input.
// Returns "" when neither is present.
func ExtractToken(body []byte) string {
	for _, re := range []*regexp.Regexp{metaTokenRe, metaTokenRe2, inputTokenRe} {
		if m := re.FindSubmatch(body); m != nil {
			return html.UnescapeString(string(m[1]))
		}
	}
	return extractTokenDOM(body)
}

// extractTokenDOM walks the parsed document for markup the regexes miss
// (attribute order, unquoted values).
func extractTokenDOM(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var meta, input string
	walk(doc, func(n *html.Node) bool {
		switch n.DataAtom {
		case atom.Meta:
			if attr(n, "name") == "csrf-token" && meta == "" {
				meta = attr(n, "content")
			}
		case atom.Input:
			if attr(n, "name") == "authenticity_token" && input == "" {
				input = attr(n, "value")
			}
		}
		return meta == ""
	})
	if meta != "" {
		return meta
	}
	return input
}

// inlineRedirect returns the target of a script-driven redirect in an XHR
// response body, or "".
func inlineRedirect(body []byte) string {
	m := jsRedirectRe.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// walk visits nodes depth-first until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if n.Type == html.ElementNode && !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
