package regulation

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

var (
	lineBreakRe  = regexp.MustCompile(`[\r\n\t]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// NormalizeHTMLBody normalizes the raw HTML body for storage: runs of
// carriage returns, newlines and tabs are removed and double quotes become
// single quotes so the body stays embeddable in delimited text.
func NormalizeHTMLBody(body string) string {
	body = lineBreakRe.ReplaceAllString(body, "")
	return strings.ReplaceAll(body, `"`, "'")
}

// StripTags removes all markup from an HTML fragment, returning only visible
// text. A space is inserted after every '>' up front so text in adjacent tags
// does not concatenate into one token.
func StripTags(data string) string {
	data = strings.ReplaceAll(data, ">", "> ")

	var b strings.Builder
	tz := html.NewTokenizer(strings.NewReader(data))
	for {
		switch tz.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(tz.Text())
		}
	}
}

// NormalizeBody trims leading/trailing whitespace and collapses every run of
// whitespace to a single space.
func NormalizeBody(text string) string {
	return whitespaceRe.ReplaceAllString(strings.TrimSpace(text), " ")
}

// FlattenRefs encodes an unordered cross-reference list as a sorted,
// space-joined permalink string. An empty list collapses to the encoding of a
// single empty-string placeholder element, keeping the column type uniform.
func FlattenRefs(refs []Ref) string {
	if len(refs) == 0 {
		return ""
	}
	links := make([]string, len(refs))
	for i, r := range refs {
		links[i] = r.Permalink
	}
	sort.Strings(links)
	return strings.Join(links, " ")
}

// FlattenTopics encodes a topic set as a sorted, space-joined string of topic
// UUID values. Reordering an equal set yields an identical encoding, so the
// differ can compare topic sets as plain strings.
func FlattenTopics(topics []Topic) string {
	if len(topics) == 0 {
		return ""
	}
	ids := make([]string, len(topics))
	for i, t := range topics {
		ids[i] = t.UUID.String()
	}
	sort.Strings(ids)
	return strings.Join(ids, " ")
}
