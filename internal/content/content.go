// Package content defines the tagged content variant shared by the CRDT
// store, the history engine, and the durable store. A document's content is
// exactly one of: a rich-text delta list, a markdown string, or a 2-D cell
// array.
package content

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Format string

const (
	FormatRichText Format = "richtext"
	FormatMarkdown Format = "markdown"
	FormatSheet    Format = "sheet"
)

func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case FormatRichText, FormatMarkdown, FormatSheet:
		return Format(value), nil
	default:
		return "", fmt.Errorf("unknown content format %q", value)
	}
}

// DeltaOp is one run of a materialized rich-text delta. Only insert runs
// appear in stored content; retain/delete are an editing concern and never
// survive materialization.
type DeltaOp struct {
	Insert     string         `json:"insert"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Content is the sum type over the three document shapes. Exactly the field
// matching Format is meaningful.
type Content struct {
	Format   Format
	Delta    []DeltaOp
	Markdown string
	Cells    [][]string
}

func RichText(delta []DeltaOp) Content {
	return Content{Format: FormatRichText, Delta: delta}
}

func Markdown(text string) Content {
	return Content{Format: FormatMarkdown, Markdown: text}
}

func Sheet(cells [][]string) Content {
	return Content{Format: FormatSheet, Cells: cells}
}

// EmptySheet returns the initial grid given to new sheet documents.
func EmptySheet(rows, cols int) Content {
	cells := make([][]string, rows)
	for i := range cells {
		cells[i] = make([]string, cols)
	}
	return Sheet(cells)
}

func Empty(format Format) Content {
	switch format {
	case FormatRichText:
		return RichText(nil)
	case FormatSheet:
		return EmptySheet(10, 5)
	default:
		return Markdown("")
	}
}

// IsEmpty reports whether the content carries no user data. Used by the
// hydrate-only-if-empty rule.
func (c Content) IsEmpty() bool {
	switch c.Format {
	case FormatRichText:
		for _, op := range c.Delta {
			if op.Insert != "" {
				return false
			}
		}
		return true
	case FormatSheet:
		for _, row := range c.Cells {
			for _, cell := range row {
				if cell != "" {
					return false
				}
			}
		}
		return true
	default:
		return c.Markdown == ""
	}
}

// PlainText projects the content to text, used for search indexing and for
// line-level diffs of rich text.
func (c Content) PlainText() string {
	switch c.Format {
	case FormatRichText:
		var b strings.Builder
		for _, op := range c.Delta {
			b.WriteString(op.Insert)
		}
		return b.String()
	case FormatSheet:
		var b strings.Builder
		for i, row := range c.Cells {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(strings.Join(row, "\t"))
		}
		return b.String()
	default:
		return c.Markdown
	}
}

type contentJSON struct {
	Format   Format     `json:"format"`
	Delta    []DeltaOp  `json:"delta,omitempty"`
	Markdown *string    `json:"markdown,omitempty"`
	Cells    [][]string `json:"cells,omitempty"`
}

func (c Content) MarshalJSON() ([]byte, error) {
	out := contentJSON{Format: c.Format}
	switch c.Format {
	case FormatRichText:
		out.Delta = c.Delta
		if out.Delta == nil {
			out.Delta = []DeltaOp{}
		}
	case FormatSheet:
		out.Cells = c.Cells
		if out.Cells == nil {
			out.Cells = [][]string{}
		}
	case FormatMarkdown:
		out.Markdown = &c.Markdown
	default:
		return nil, fmt.Errorf("marshal content: unknown format %q", c.Format)
	}
	return json.Marshal(out)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var in contentJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	format, err := ParseFormat(string(in.Format))
	if err != nil {
		return err
	}
	*c = Content{Format: format}
	switch format {
	case FormatRichText:
		c.Delta = in.Delta
	case FormatSheet:
		c.Cells = in.Cells
	case FormatMarkdown:
		if in.Markdown != nil {
			c.Markdown = *in.Markdown
		}
	}
	return nil
}

// Equal compares materialized content. Attribute maps are compared by their
// canonical JSON encoding.
func Equal(a, b Content) bool {
	if a.Format != b.Format {
		return false
	}
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(left) == string(right)
}
