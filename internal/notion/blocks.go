package notion

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"occam/internal/knowledge"
)

var md = goldmark.New()

// maxBlocks is the Notion limit on children per page create.
const maxBlocks = 100

// recordBlocks renders the page body for a newly created record. The body is
// composed as markdown from the record fields and converted to Notion blocks;
// the raw fetched document is never persisted.
func recordBlocks(rec *knowledge.Record) []map[string]any {
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	b.WriteString(rec.Summary + "\n\n")
	b.WriteString("## Critical Thinking\n\n")
	for _, point := range rec.CriticalPoints {
		b.WriteString("- " + point + "\n")
	}
	b.WriteString("\n## Source\n\n")
	b.WriteString(fmt.Sprintf("[%s](%s)\n", rec.Title, rec.SourceURL))

	return blocksFromMarkdown(b.String())
}

// blocksFromMarkdown converts a markdown document into Notion blocks:
// headings, paragraphs, and bulleted list items. Inline styling is flattened
// to plain text spans.
func blocksFromMarkdown(source string) []map[string]any {
	src := []byte(source)
	root := md.Parser().Parse(text.NewReader(src))

	var blocks []map[string]any
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || len(blocks) >= maxBlocks {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			level := node.Level
			if level > 3 {
				level = 3
			}
			blocks = append(blocks, headingBlock(level, nodeText(node, src)))
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			blocks = append(blocks, simpleBlock("bulleted_list_item", nodeText(node, src)))
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph:
			// Paragraphs inside list items are handled by the item itself.
			if _, inList := node.Parent().(*ast.ListItem); inList {
				return ast.WalkSkipChildren, nil
			}
			blocks = append(blocks, simpleBlock("paragraph", nodeText(node, src)))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return blocks
}

func headingBlock(level int, content string) map[string]any {
	return simpleBlock(fmt.Sprintf("heading_%d", level), content)
}

func simpleBlock(blockType, content string) map[string]any {
	return map[string]any{
		"object": "block",
		"type":   blockType,
		blockType: map[string]any{
			"rich_text": []map[string]any{textSpan(truncate(content, 2000))},
		},
	}
}

// nodeText flattens a node's inline content to plain text.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := child.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.AutoLink:
			b.Write(t.URL(src))
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}
