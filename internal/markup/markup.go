// Package markup reads the HTML fragments returned by the recognition
// service. The service gives no guarantee about their shape, so everything
// here is located by label and parsed leniently.
package markup

import (
	"errors"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PortraitLabel is the cell text that precedes the portrait image.
const PortraitLabel = "Portrait"

// ErrPortraitNotFound means no fragment carried a labelled embedded portrait.
var ErrPortraitNotFound = errors.New("markup: portrait not found")

// Portrait is the embedded reference face scraped from an extraction response.
type Portrait struct {
	// DataURI is the img src, always a data:image URI.
	DataURI string
	// Fragment is the index of the fragment it was found in.
	Fragment int
}

// Field is one label/value row of the extracted-field table.
type Field struct {
	Label    string `json:"label"`
	Value    string `json:"value"`
	HasImage bool   `json:"has_image,omitempty"`
}

// ExtractPortrait scans the fragments in order. Within a fragment rows are
// visited in document order and cells left to right; the first cell whose
// trimmed text is "Portrait" has its next cell searched for an embedded
// image. The first data:image src wins.
func ExtractPortrait(fragments []string) (Portrait, error) {
	for i, fragment := range fragments {
		for _, row := range parseRows(fragment) {
			if src, ok := portraitInRow(row); ok {
				return Portrait{DataURI: src, Fragment: i}, nil
			}
		}
	}
	return Portrait{}, ErrPortraitNotFound
}

func portraitInRow(cells []*html.Node) (string, bool) {
	for i, cell := range cells {
		if strings.TrimSpace(textContent(cell)) != PortraitLabel {
			continue
		}
		if i+1 >= len(cells) {
			continue
		}
		for _, img := range findAll(cells[i+1], atom.Img) {
			src := strings.TrimSpace(attr(img, "src"))
			if strings.HasPrefix(src, "data:image") {
				return src, true
			}
		}
	}
	return "", false
}

// ExtractFields returns the label/value pairs of every two-or-more cell row
// across all fragments, in order. The first cell is the label and the rest
// are joined into the value. Rows repeated in a later fragment are skipped.
func ExtractFields(fragments []string) []Field {
	var fields []Field
	seen := make(map[Field]struct{})
	for _, fragment := range fragments {
		for _, row := range parseRows(fragment) {
			if len(row) < 2 {
				continue
			}
			label := collapse(textContent(row[0]))
			if label == "" {
				continue
			}
			var values []string
			hasImage := false
			for _, cell := range row[1:] {
				if len(findAll(cell, atom.Img)) > 0 {
					hasImage = true
				}
				if v := collapse(textContent(cell)); v != "" {
					values = append(values, v)
				}
			}
			field := Field{Label: label, Value: strings.Join(values, " "), HasImage: hasImage}
			if _, dup := seen[field]; dup {
				continue
			}
			seen[field] = struct{}{}
			fields = append(fields, field)
		}
	}
	return fields
}

// parseRows returns the td/th cells of every tr in fragment. Unparseable
// input yields no rows.
func parseRows(fragment string) [][]*html.Node {
	if strings.TrimSpace(fragment) == "" {
		return nil
	}
	lower := strings.ToLower(fragment)
	if strings.Contains(lower, "<tr") && !strings.Contains(lower, "<table") {
		// Bare rows are dropped by the HTML5 tree builder outside a table.
		fragment = "<table>" + fragment + "</table>"
	}
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	var rows [][]*html.Node
	for _, tr := range findAll(doc, atom.Tr) {
		var cells []*html.Node
		for c := tr.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
				cells = append(cells, c)
			}
		}
		rows = append(rows, cells)
	}
	return rows
}

// findAll collects the descendants of n with the given tag, in document order.
func findAll(n *html.Node, tag atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == tag {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
