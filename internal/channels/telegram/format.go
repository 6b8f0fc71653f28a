package telegram

import (
	"bytes"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// MaxMessageLength is Telegram's limit for one text message
const MaxMessageLength = 4096

// htmlRenderer renders markdown as the HTML subset Telegram accepts
// (b, i, s, code, pre, a, blockquote). Everything else degrades to text.
type htmlRenderer struct{}

// wrap renders a node as an open/close tag pair around its children
func wrap(open, close string) renderer.NodeRendererFunc {
	return func(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			w.WriteString(open)
		} else {
			w.WriteString(close)
		}
		return ast.WalkContinue, nil
	}
}

// after renders suffix once the node's children are done
func after(suffix string) renderer.NodeRendererFunc {
	return wrap("", suffix)
}

func skip(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	return ast.WalkSkipChildren, nil
}

func (r *htmlRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, wrap("", ""))
	reg.Register(ast.KindParagraph, after("\n\n"))
	reg.Register(ast.KindHeading, wrap("<b>", "</b>\n\n"))
	reg.Register(ast.KindBlockquote, wrap("<blockquote>", "</blockquote>\n"))
	reg.Register(ast.KindList, after("\n"))
	reg.Register(ast.KindListItem, wrap("• ", "\n"))
	reg.Register(ast.KindThematicBreak, wrap("\n---\n", ""))
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindFencedCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindHTMLBlock, skip)

	reg.Register(ast.KindText, r.renderText)
	reg.Register(ast.KindString, r.renderString)
	reg.Register(ast.KindEmphasis, r.renderEmphasis)
	reg.Register(ast.KindCodeSpan, r.renderCodeSpan)
	reg.Register(ast.KindLink, r.renderLink)
	reg.Register(ast.KindAutoLink, r.renderAutoLink)
	reg.Register(ast.KindImage, r.renderImage)
	reg.Register(ast.KindRawHTML, skip)

	reg.Register(east.KindStrikethrough, wrap("<s>", "</s>"))
	reg.Register(east.KindTaskCheckBox, r.renderTaskCheckBox)
	reg.Register(east.KindTable, r.renderTable)
	reg.Register(east.KindTableHeader, wrap("", ""))
	reg.Register(east.KindTableRow, wrap("", ""))
	reg.Register(east.KindTableCell, wrap("", ""))
}

func (r *htmlRenderer) renderCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	w.WriteString("<pre>")
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		w.WriteString(escapeHTML(string(line.Value(source))))
	}
	w.WriteString("</pre>\n")
	return ast.WalkSkipChildren, nil
}

func (r *htmlRenderer) renderText(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Text)
	w.WriteString(escapeHTML(string(n.Segment.Value(source))))
	if n.SoftLineBreak() || n.HardLineBreak() {
		w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderString(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString(escapeHTML(string(node.(*ast.String).Value)))
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderEmphasis(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	tag := "i"
	if node.(*ast.Emphasis).Level == 2 {
		tag = "b"
	}
	if entering {
		w.WriteString("<" + tag + ">")
	} else {
		w.WriteString("</" + tag + ">")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderCodeSpan(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	var buf bytes.Buffer
	plainText(&buf, source, node)
	w.WriteString("<code>" + escapeHTML(buf.String()) + "</code>")
	return ast.WalkSkipChildren, nil
}

func (r *htmlRenderer) renderLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString(`<a href="` + escapeAttr(string(node.(*ast.Link).Destination)) + `">`)
	} else {
		w.WriteString("</a>")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderAutoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	url := string(node.(*ast.AutoLink).URL(source))
	w.WriteString(`<a href="` + escapeAttr(url) + `">` + escapeHTML(url) + "</a>")
	return ast.WalkSkipChildren, nil
}

// renderImage degrades an image to a link labelled with its alt text
func (r *htmlRenderer) renderImage(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	var alt bytes.Buffer
	plainText(&alt, source, node)
	label := alt.String()
	if label == "" {
		label = "image"
	}
	w.WriteString(`<a href="` + escapeAttr(string(node.(*ast.Image).Destination)) + `">` + escapeHTML(label) + "</a>")
	return ast.WalkSkipChildren, nil
}

func (r *htmlRenderer) renderTaskCheckBox(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		if node.(*east.TaskCheckBox).IsChecked {
			w.WriteString("[x] ")
		} else {
			w.WriteString("[ ] ")
		}
	}
	return ast.WalkContinue, nil
}

// renderTable lays a GFM table out as aligned text in a <pre> block, since
// Telegram has no table markup. Widths are display widths so emoji line up.
func (r *htmlRenderer) renderTable(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}

	var rows [][]string
	var widths []int
	for row := node.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			var buf bytes.Buffer
			plainText(&buf, source, cell)
			text := strings.TrimSpace(buf.String())
			col := len(cells)
			if col >= len(widths) {
				widths = append(widths, 0)
			}
			if n := runewidth.StringWidth(text); n > widths[col] {
				widths[col] = n
			}
			cells = append(cells, text)
		}
		rows = append(rows, cells)
	}

	var out strings.Builder
	for i, cells := range rows {
		out.WriteString("|")
		for col, text := range cells {
			out.WriteString(" " + runewidth.FillRight(text, widths[col]) + " |")
		}
		out.WriteString("\n")
		if i == 0 {
			out.WriteString("|")
			for _, n := range widths {
				out.WriteString(strings.Repeat("-", n+2) + "|")
			}
			out.WriteString("\n")
		}
	}

	w.WriteString("<pre>" + escapeHTML(out.String()) + "</pre>\n")
	return ast.WalkSkipChildren, nil
}

// plainText collects the text under node without markup
func plainText(buf *bytes.Buffer, source []byte, node ast.Node) {
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		switch n := c.(type) {
		case *ast.Text:
			buf.Write(n.Segment.Value(source))
		case *ast.String:
			buf.Write(n.Value)
		default:
			plainText(buf, source, c)
		}
	}
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}

func escapeAttr(s string) string {
	return strings.ReplaceAll(escapeHTML(s), `"`, "&quot;")
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRenderer(renderer.NewRenderer(
		renderer.WithNodeRenderers(util.Prioritized(&htmlRenderer{}, 100)),
	)),
)

// FormatMessage converts markdown to Telegram HTML. ok is false when the
// conversion failed and the markdown is returned unchanged.
func FormatMessage(md string) (html string, ok bool) {
	if md == "" {
		return "", true
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return md, false
	}
	out := strings.TrimSpace(buf.String())
	if out == "" {
		return md, false
	}
	return out, true
}

// Chunk splits text into pieces no longer than max runes, preferring line breaks
func Chunk(text string, max int) []string {
	if max <= 0 {
		max = MaxMessageLength
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > max {
		cut := max
		for i := max; i > max/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 || len(chunks) == 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
