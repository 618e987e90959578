package index

import (
	"net/url"
	"regexp"
	"strings"
)

// link is one <a href> found on an index page, with its PEP 503/691-ish
// attributes still in raw string form.
type link struct {
	url            string
	requiresPython string
	hasRequires    bool
	yanked         string
	hasYanked      bool
	distInfoMeta   bool
}

// page is the result of scanning one index document: its repository-version
// meta tag (if any) and every anchor found, in document order.
type page struct {
	repositoryVersion string
	links             []link
}

// anchorPattern and friends match the narrow slice of HTML the simple
// repository format actually uses: a handful of void/flow elements with a
// fixed attribute set, never nested beyond <html><head><body>. A full HTML5
// tokenizer (handling script/style CDATA, foreign content, implied end tags)
// would buy nothing here the index pages don't already guarantee.
var (
	tagPattern      = regexp.MustCompile(`(?is)<\s*(/?)\s*([a-zA-Z][a-zA-Z0-9]*)((?:\s+[^<>]*?)?)\s*/?\s*>`)
	attrPattern     = regexp.MustCompile(`(?is)([a-zA-Z_:][-a-zA-Z0-9_:.]*)\s*(?:=\s*("([^"]*)"|'([^']*)'|[^\s"'=<>`+"`"+`]+))?`)
	metaNamePattern = regexp.MustCompile(`(?i)^pypi:repository-version$`)
)

// attrs parses an attribute-list fragment (the text between the tag name
// and the closing '>') into a name->value map, lower-casing names.
func parseAttrs(raw string) map[string]string {
	out := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(raw, -1) {
		name := strings.ToLower(m[1])
		var value string
		switch {
		case m[3] != "":
			value = m[3]
		case m[4] != "":
			value = m[4]
		default:
			value = m[2]
		}
		out[name] = htmlUnescape(value)
	}
	return out
}

// htmlUnescape handles the handful of entities index pages realistically
// use in attribute values; it is not a general HTML entity decoder.
func htmlUnescape(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&apos;", "'",
	)
	return replacer.Replace(s)
}

// scanPage extracts repository-version and anchor/base information from a
// simple-repository index page. base is the document's own URL, used to
// resolve relative hrefs before any <base href> element is seen (and
// afterwards, if none ever appears).
func scanPage(base *url.URL, body string) (page, error) {
	resolved := *base
	changedBase := false
	var p page

	for _, m := range tagPattern.FindAllStringSubmatch(body, -1) {
		closing := m[1] == "/"
		name := strings.ToLower(m[2])
		if closing {
			continue
		}
		attrs := parseAttrs(m[3])

		switch name {
		case "meta":
			if metaNamePattern.MatchString(attrs["name"]) {
				p.repositoryVersion = attrs["content"]
			}
		case "base":
			if !changedBase {
				changedBase = true
				if href, ok := attrs["href"]; ok {
					if u, err := resolved.Parse(href); err == nil {
						resolved = *u
					}
				}
			}
		case "a":
			href, ok := attrs["href"]
			if !ok {
				continue
			}
			u, err := resolved.Parse(href)
			if err != nil {
				continue
			}
			l := link{url: u.String()}
			if v, ok := attrs["data-requires-python"]; ok {
				l.requiresPython = v
				l.hasRequires = true
			}
			if v, ok := attrs["data-yanked"]; ok {
				l.yanked = v
				l.hasYanked = true
			}
			if v, ok := attrs["data-dist-info-metadata"]; ok {
				l.distInfoMeta = v != "" && !strings.EqualFold(v, "false")
			}
			p.links = append(p.links, l)
		}
	}

	return p, nil
}
