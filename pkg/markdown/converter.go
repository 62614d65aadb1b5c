package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

// ToHTML renders an assistant reply (markdown) to HTML safe to embed
// in the mini-app frontend.
func ToHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(blackfriday.CommonExtensions)))

	return sanitizeHTML(html)
}

// supportedTags is the whitelist the frontend renders; everything else
// is stripped, keeping the inner text.
var supportedTags = []string{
	"p", "b", "strong", "i", "em", "u", "s", "code", "pre",
	"a", "br", "ul", "ol", "li", "blockquote",
}

var (
	tagPattern     = regexp.MustCompile(`</?([a-zA-Z0-9]+)(?:\s[^>]*)?>`)
	tagNamePattern = regexp.MustCompile(`</?([a-zA-Z0-9]+)`)
	anchorPattern  = regexp.MustCompile(`<a\s[^>]*href="(https?://[^"]*)"[^>]*>`)
	newlinePattern = regexp.MustCompile(`\n{3,}`)
)

func sanitizeHTML(html string) string {
	// Anchors keep only their href, and only http(s) ones.
	html = anchorPattern.ReplaceAllString(html, `<a href="$1">`)

	html = tagPattern.ReplaceAllStringFunc(html, func(match string) string {
		tagMatch := tagNamePattern.FindStringSubmatch(match)
		if len(tagMatch) < 2 {
			return ""
		}
		tagName := strings.ToLower(tagMatch[1])
		for _, supported := range supportedTags {
			if tagName == supported {
				if strings.HasPrefix(match, "</") {
					return "</" + tagName + ">"
				}
				// Anchors survive only with the rewritten http(s) href;
				// all other attributes are dropped.
				if tagName == "a" {
					if anchorPattern.MatchString(match) {
						return match
					}
					return ""
				}
				return "<" + tagName + ">"
			}
		}
		return ""
	})

	html = newlinePattern.ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
