package emailtmpl

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// droppedTags are removed along with their content.
var droppedTags = map[string]bool{
	"script":   true,
	"iframe":   true,
	"object":   true,
	"embed":    true,
	"form":     true,
	"input":    true,
	"textarea": true,
	"select":   true,
	"button":   true,
	"meta":     true,
	"link":     true,
}

// voidTags never have a closing tag, so they neither start a skip nor wait
// for an end tag.
var voidTags = map[string]bool{
	"area":   true,
	"base":   true,
	"br":     true,
	"col":    true,
	"embed":  true,
	"hr":     true,
	"img":    true,
	"input":  true,
	"link":   true,
	"meta":   true,
	"source": true,
	"track":  true,
	"wbr":    true,
}

// rawTextTags are tokenized as text up to their own end tag, so an unclosed
// one swallows the rest of the input.
var rawTextTags = map[string]bool{
	"script":   true,
	"textarea": true,
}

// Sanitize removes active content from an HTML fragment or document: script
// elements, event handler attributes, javascript: URIs, data: URIs in src and
// href, and the dropped tag set. Everything else passes through unchanged. A
// dropped element that is never closed loses only its own tag.
func Sanitize(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var out bytes.Buffer
	out.Grow(len(src))

	var (
		open      []string
		skipTag   string
		skipDepth int
		skipped   bytes.Buffer
	)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF; a strings.Reader has no other failure mode.
			if skipDepth > 0 && !rawTextTags[skipTag] {
				out.WriteString(Sanitize(skipped.String()))
			}
			return out.String()
		}
		// Token unescapes text in place, so copy the raw bytes first.
		raw := append([]byte(nil), z.Raw()...)
		tok := z.Token()

		if skipDepth > 0 {
			if tt == html.EndTagToken && tok.Data != skipTag && indexOf(open, tok.Data) >= 0 {
				// An enclosing element closed first.
				out.WriteString(Sanitize(skipped.String()))
				skipDepth = 0
			} else {
				switch {
				case tt == html.StartTagToken && tok.Data == skipTag:
					skipDepth++
				case tt == html.EndTagToken && tok.Data == skipTag:
					skipDepth--
				}
				if skipDepth > 0 {
					skipped.Write(raw)
				}
				continue
			}
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			if droppedTags[tok.Data] {
				if tt == html.StartTagToken && !voidTags[tok.Data] {
					skipTag = tok.Data
					skipDepth = 1
					skipped.Reset()
				}
				continue
			}
			if tt == html.StartTagToken && !voidTags[tok.Data] {
				open = append(open, tok.Data)
			}
			tok.Attr = cleanAttrs(tok.Attr)
			out.WriteString(tok.String())
		case html.EndTagToken:
			if droppedTags[tok.Data] {
				continue
			}
			if i := indexOf(open, tok.Data); i >= 0 {
				open = open[:i]
			}
			out.WriteString(tok.String())
		case html.CommentToken:
			// Dropped: conditional comments may carry markup.
			continue
		default:
			out.Write(raw)
		}
	}
}

// indexOf returns the position of the innermost open element named tag, or -1.
func indexOf(open []string, tag string) int {
	for i := len(open) - 1; i >= 0; i-- {
		if open[i] == tag {
			return i
		}
	}
	return -1
}

func cleanAttrs(attrs []html.Attribute) []html.Attribute {
	kept := attrs[:0]
	for _, attr := range attrs {
		key := strings.ToLower(attr.Key)
		if strings.HasPrefix(key, "on") {
			continue
		}
		val := normalizeURI(attr.Val)
		if strings.HasPrefix(val, "javascript:") {
			continue
		}
		if (key == "src" || key == "href") && strings.HasPrefix(val, "data:") {
			continue
		}
		kept = append(kept, attr)
	}
	return kept
}

// normalizeURI lowercases v and drops whitespace and control characters, which
// browsers ignore inside a scheme.
func normalizeURI(v string) string {
	var sb strings.Builder
	for _, r := range v {
		if r <= ' ' || r == 0x7f {
			continue
		}
		sb.WriteRune(r)
	}
	return strings.ToLower(sb.String())
}
