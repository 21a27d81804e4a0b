package segment

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Flatten reduces markdown to plain text. QQ chats render plain text
// only, so formatting is dropped rather than sent as literal asterisks
// and backticks: emphasis and code markers vanish, headings keep their
// text, links become "text (url)", list markers stay readable, and code
// block content is kept verbatim. Paragraph breaks survive as blank
// lines so the segmenter still sees them.
func Flatten(md string) string {
	src := []byte(md)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				buf.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					buf.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				buf.Write(node.Value)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					line := lines.At(i)
					buf.Write(line.Value(src))
				}
				return ast.WalkSkipChildren, nil
			}
		case *ast.Link:
			if !entering {
				fmt.Fprintf(&buf, " (%s)", node.Destination)
			}
		case *ast.AutoLink:
			if entering {
				buf.Write(node.URL(src))
			}
		case *ast.ListItem:
			if entering {
				writeListMarker(&buf, node)
			} else if n.NextSibling() != nil {
				buf.WriteByte('\n')
			}
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}

		// Blank line between top-level blocks.
		if !entering && n.Type() == ast.TypeBlock && n.NextSibling() != nil {
			if _, topLevel := n.Parent().(*ast.Document); topLevel {
				buf.WriteString("\n\n")
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(buf.String())
}

func writeListMarker(buf *bytes.Buffer, item *ast.ListItem) {
	list, ok := item.Parent().(*ast.List)
	if !ok {
		return
	}
	if !list.IsOrdered() {
		buf.WriteString("- ")
		return
	}
	num := list.Start
	for s := item.PreviousSibling(); s != nil; s = s.PreviousSibling() {
		num++
	}
	fmt.Fprintf(buf, "%d. ", num)
}
