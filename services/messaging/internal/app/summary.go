package app

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// summarize renders the preview stored on the conversation row. An
// attachment-only message previews as its file names.
func summarize(body string, files []FileUpload) string {
	if text := plainText(body); text != "" {
		return text
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, attachmentName(f.Name))
	}
	return strings.Join(names, ", ")
}

// plainText strips markup and collapses whitespace. Script and style bodies
// are dropped; block-level tags break words.
func plainText(body string) string {
	if !strings.ContainsAny(body, "<&") {
		return strings.Join(strings.Fields(body), " ")
	}
	z := html.NewTokenizer(strings.NewReader(body))
	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch a := atom.Lookup(name); a {
			case atom.Script, atom.Style:
				if tt == html.StartTagToken {
					skip++
				}
			default:
				if breaksWords(a) {
					b.WriteByte(' ')
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch a := atom.Lookup(name); a {
			case atom.Script, atom.Style:
				if skip > 0 {
					skip--
				}
			default:
				if breaksWords(a) {
					b.WriteByte(' ')
				}
			}
		}
	}
}

func breaksWords(a atom.Atom) bool {
	switch a {
	case atom.Br, atom.P, atom.Div, atom.Li, atom.Ul, atom.Ol, atom.Tr, atom.Td, atom.Th,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Blockquote, atom.Pre, atom.Hr:
		return true
	}
	return false
}
