// Package html writes the entry HTML document with script and stylesheet
// tags for the emitted chunks.
package html

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Marker is the comment that fixes where scripts are injected.
const Marker = "chunkpack:inject"

// DefaultTemplate is used when no template is configured.
const DefaultTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body>
  <div id="root"></div>
</body>
</html>
`

// Assets are the public URLs to inject, in load order.
type Assets struct {
	Scripts []string
	Styles  []string
}

// Options configures Inject.
type Options struct {
	// Path names the template in errors.
	Path string
	// Inject is "body" (default) or "head" and places the script tags.
	Inject string
	// CollapseWhitespace collapses whitespace in text outside pre, textarea,
	// script and style elements, dropping whitespace-only text.
	CollapseWhitespace bool
	// RemoveComments drops comments other than conditional comments.
	RemoveComments bool
}

// TemplateError reports an unreadable or unusable template.
type TemplateError struct {
	Path string
	Err  error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("html template %s: %v", e.Path, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// ReadTemplate returns the template at path, or DefaultTemplate when path
// is empty.
func ReadTemplate(path string) ([]byte, error) {
	if path == "" {
		return []byte(DefaultTemplate), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &TemplateError{Path: path, Err: err}
	}
	return data, nil
}

type token struct {
	typ  html.TokenType
	name string
	raw  []byte
}

var spaceRe = regexp.MustCompile(`[ \t\r\n\f]+`)

// rawText elements keep their text as written.
var rawText = map[string]bool{"pre": true, "textarea": true, "script": true, "style": true}

// inline elements flow with the text around them, so a space next to one is
// kept when whitespace is collapsed.
var inline = map[string]bool{
	"a": true, "abbr": true, "b": true, "bdi": true, "bdo": true, "big": true,
	"button": true, "cite": true, "code": true, "data": true, "del": true,
	"dfn": true, "em": true, "font": true, "i": true, "img": true,
	"input": true, "ins": true, "kbd": true, "label": true, "mark": true,
	"math": true, "meter": true, "nobr": true, "object": true, "output": true,
	"picture": true, "progress": true, "q": true, "rp": true, "rt": true,
	"ruby": true, "s": true, "samp": true, "select": true, "small": true,
	"span": true, "strike": true, "strong": true, "sub": true, "sup": true,
	"svg": true, "textarea": true, "time": true, "tt": true, "u": true,
	"var": true, "video": true, "audio": true, "wbr": true,
}

// Inject inserts stylesheet links before </head> and script tags before
// </body>, </head> or the injection marker.
func Inject(template []byte, assets Assets, opts Options) ([]byte, error) {
	if opts.Path == "" {
		opts.Path = "<default>"
	}
	switch opts.Inject {
	case "":
		opts.Inject = "body"
	case "body", "head":
	default:
		return nil, &TemplateError{Path: opts.Path, Err: fmt.Errorf("unknown inject position %q", opts.Inject)}
	}
	tokens, err := tokenize(template)
	if err != nil {
		return nil, &TemplateError{Path: opts.Path, Err: err}
	}

	marker, head, body := false, false, false
	for _, t := range tokens {
		switch {
		case isMarker(t):
			marker = true
		case t.typ == html.EndTagToken && t.name == "head":
			head = true
		case t.typ == html.EndTagToken && t.name == "body":
			body = true
		}
	}
	if !head {
		return nil, &TemplateError{Path: opts.Path, Err: errors.New("template has no </head>")}
	}
	if !marker && opts.Inject == "body" && !body {
		return nil, &TemplateError{Path: opts.Path, Err: errors.New("template has no </body> or " + Marker + " comment")}
	}

	sep := "\n"
	if opts.CollapseWhitespace {
		sep = ""
	}
	var links, scripts strings.Builder
	for _, href := range assets.Styles {
		fmt.Fprintf(&links, `<link rel="stylesheet" href="%s">%s`, html.EscapeString(href), sep)
	}
	for _, src := range assets.Scripts {
		fmt.Fprintf(&scripts, `<script type="text/javascript" src="%s"></script>%s`, html.EscapeString(src), sep)
	}

	var b bytes.Buffer
	depth := 0
	for i, t := range tokens {
		switch t.typ {
		case html.CommentToken:
			if isMarker(t) {
				b.WriteString(scripts.String())
				continue
			}
			if opts.RemoveComments && !bytes.HasPrefix(t.raw, []byte("<!--[if")) {
				continue
			}
		case html.StartTagToken:
			if rawText[t.name] {
				depth++
			}
		case html.EndTagToken:
			if rawText[t.name] && depth > 0 {
				depth--
			}
			if t.name == "head" {
				b.WriteString(links.String())
				if !marker && opts.Inject == "head" {
					b.WriteString(scripts.String())
				}
			}
			if t.name == "body" && !marker && opts.Inject == "body" {
				b.WriteString(scripts.String())
			}
		case html.TextToken:
			if opts.CollapseWhitespace && depth == 0 {
				b.Write(collapse(tokens, i))
				continue
			}
		}
		b.Write(t.raw)
	}
	return b.Bytes(), nil
}

// collapse turns each run of whitespace in the text token at i into one
// space, dropping it entirely where it borders anything but an inline element.
func collapse(tokens []token, i int) []byte {
	text := spaceRe.ReplaceAll(tokens[i].raw, []byte(" "))
	if i == 0 || trimsSpace(tokens[i-1]) {
		text = bytes.TrimLeft(text, " ")
	}
	if i == len(tokens)-1 || trimsSpace(tokens[i+1]) {
		text = bytes.TrimRight(text, " ")
	}
	return text
}

func trimsSpace(t token) bool {
	switch t.typ {
	case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
		return !inline[t.name]
	case html.TextToken:
		return false
	}
	return true
}

func isMarker(t token) bool {
	return t.typ == html.CommentToken && t.name == Marker
}

func tokenize(template []byte) ([]token, error) {
	z := html.NewTokenizer(bytes.NewReader(template))
	var tokens []token
	for {
		typ := z.Next()
		if typ == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return nil, err
			}
			return tokens, nil
		}
		t := token{typ: typ, raw: bytes.Clone(z.Raw())}
		switch typ {
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			t.name = string(name)
		case html.CommentToken:
			t.name = strings.TrimSpace(string(z.Text()))
		}
		tokens = append(tokens, t)
	}
}
