package epub

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var skippedElements = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Blockquote: true, atom.Section: true, atom.Article: true, atom.Tr: true, atom.Hr: true,
}

var headingElements = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true,
}

// documentText returns the first heading (or <title>) and the readable text of an XHTML document.
func documentText(data []byte) (string, string) {
	tokenizer := html.NewTokenizer(bytes.NewReader(data))

	var (
		body         strings.Builder
		heading      strings.Builder
		title        strings.Builder
		skipDepth    int
		inHeading    bool
		inTitle      bool
		headingFound bool
	)

	for {
		tokenType := tokenizer.Next()

		switch tokenType {
		case html.ErrorToken:
			headingText := collapseSpaces(heading.String())
			if headingText == "" {
				headingText = collapseSpaces(title.String())
			}

			return headingText, normalizeParagraphs(body.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()

			switch {
			case token.DataAtom == atom.Title:
				inTitle = true
			case skippedElements[token.DataAtom] && tokenType == html.StartTagToken:
				skipDepth++
			case headingElements[token.DataAtom] && !headingFound:
				inHeading = true
			}

			if blockElements[token.DataAtom] {
				body.WriteString("\n")
			}
		case html.EndTagToken:
			token := tokenizer.Token()

			switch {
			case token.DataAtom == atom.Title:
				inTitle = false
			case skippedElements[token.DataAtom] && skipDepth > 0:
				skipDepth--
			case headingElements[token.DataAtom] && inHeading:
				inHeading = false
				headingFound = heading.Len() > 0
			}

			if blockElements[token.DataAtom] {
				body.WriteString("\n")
			}
		case html.TextToken:
			text := string(tokenizer.Text())

			if inTitle {
				title.WriteString(text)

				continue
			}

			if skipDepth > 0 {
				continue
			}

			if inHeading {
				heading.WriteString(text)
			}

			body.WriteString(text)
		case html.CommentToken, html.DoctypeToken:
		}
	}
}

func collapseSpaces(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// normalizeParagraphs collapses whitespace inside lines and drops empty lines.
func normalizeParagraphs(text string) string {
	lines := strings.Split(text, "\n")
	paragraphs := make([]string, 0, len(lines))

	for _, line := range lines {
		collapsed := collapseSpaces(line)
		if collapsed != "" {
			paragraphs = append(paragraphs, collapsed)
		}
	}

	return strings.Join(paragraphs, "\n")
}
