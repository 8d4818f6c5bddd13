package history

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/wI2L/jsondiff"

	"inkwell/api/internal/content"
)

const (
	ChangeUnchanged = "unchanged"
	ChangeChanged   = "changed"
	ChangeInserted  = "inserted"
	ChangeDeleted   = "deleted"
	ChangeModified  = "modified"
)

// Span is one character-level fragment inside a changed line.
type Span struct {
	Op   string `json:"op"` // equal | insert | delete
	Text string `json:"text"`
}

// LineChange annotates one line position of a text diff.
type LineChange struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	OldText string `json:"oldText,omitempty"`
	NewText string `json:"newText,omitempty"`
	Spans   []Span `json:"spans,omitempty"`
}

// CellChange annotates one cell coordinate of a sheet diff.
type CellChange struct {
	Row      int    `json:"row"`
	Col      int    `json:"col"`
	Kind     string `json:"kind"`
	OldValue string `json:"oldValue,omitempty"`
	NewValue string `json:"newValue,omitempty"`
}

// Diff is the annotated difference between two snapshots of one format.
// Lines is set for text formats, Cells for sheets; Patch is the raw JSON
// structural patch for machine consumers.
type Diff struct {
	Format content.Format  `json:"format"`
	Lines  []LineChange    `json:"lines,omitempty"`
	Cells  []CellChange    `json:"cells,omitempty"`
	Patch  json.RawMessage `json:"patch,omitempty"`
}

// Compute diffs two snapshots of the same format. It is pure: neither
// snapshot nor any stored state is touched, and diffing X against X yields
// no change annotations.
func Compute(old, new content.Content, format content.Format) (Diff, error) {
	if old.Format != format || new.Format != format {
		return Diff{}, fmt.Errorf("diff format mismatch: %q vs %q/%q", format, old.Format, new.Format)
	}

	out := Diff{Format: format}
	switch format {
	case content.FormatSheet:
		out.Cells = diffCells(old.Cells, new.Cells)
	default:
		out.Lines = diffLines(old.PlainText(), new.PlainText())
	}

	patch, err := jsondiff.Compare(old, new)
	if err != nil {
		return Diff{}, fmt.Errorf("structural patch: %w", err)
	}
	if len(patch) > 0 {
		raw, err := json.Marshal(patch)
		if err != nil {
			return Diff{}, fmt.Errorf("marshal patch: %w", err)
		}
		out.Patch = raw
	}
	return out, nil
}

// diffLines aligns lines by position: same index in both texts compares
// in place, trailing lines are inserts or deletes.
func diffLines(oldText, newText string) []LineChange {
	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")

	max := len(oldLines)
	if len(newLines) > max {
		max = len(newLines)
	}

	var changes []LineChange
	for i := 0; i < max; i++ {
		switch {
		case i >= len(oldLines):
			changes = append(changes, LineChange{Index: i, Kind: ChangeInserted, NewText: newLines[i]})
		case i >= len(newLines):
			changes = append(changes, LineChange{Index: i, Kind: ChangeDeleted, OldText: oldLines[i]})
		case oldLines[i] == newLines[i]:
			changes = append(changes, LineChange{Index: i, Kind: ChangeUnchanged, NewText: newLines[i]})
		default:
			changes = append(changes, LineChange{
				Index:   i,
				Kind:    ChangeChanged,
				OldText: oldLines[i],
				NewText: newLines[i],
				Spans:   charDiff(oldLines[i], newLines[i]),
			})
		}
	}
	return changes
}

// charDiff runs an LCS character diff with semantic cleanup so small
// fragments merge into readable spans.
func charDiff(oldLine, newLine string) []Span {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldLine, newLine, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	spans := make([]Span, 0, len(diffs))
	for _, d := range diffs {
		span := Span{Text: d.Text}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			span.Op = "insert"
		case diffmatchpatch.DiffDelete:
			span.Op = "delete"
		default:
			span.Op = "equal"
		}
		spans = append(spans, span)
	}
	return spans
}

// diffCells aligns by coordinate up to the larger of both grids. A cell
// that went from empty to non-empty is an insert, the reverse a delete,
// and differing non-empty values a modification.
func diffCells(oldCells, newCells [][]string) []CellChange {
	rows := len(oldCells)
	if len(newCells) > rows {
		rows = len(newCells)
	}

	var changes []CellChange
	for r := 0; r < rows; r++ {
		cols := 0
		if r < len(oldCells) && len(oldCells[r]) > cols {
			cols = len(oldCells[r])
		}
		if r < len(newCells) && len(newCells[r]) > cols {
			cols = len(newCells[r])
		}
		for c := 0; c < cols; c++ {
			oldVal := cellAt(oldCells, r, c)
			newVal := cellAt(newCells, r, c)
			change := CellChange{Row: r, Col: c, OldValue: oldVal, NewValue: newVal}
			switch {
			case oldVal == newVal:
				change.Kind = ChangeUnchanged
			case oldVal == "":
				change.Kind = ChangeInserted
			case newVal == "":
				change.Kind = ChangeDeleted
			default:
				change.Kind = ChangeModified
			}
			changes = append(changes, change)
		}
	}
	return changes
}

func cellAt(cells [][]string, row, col int) string {
	if row < 0 || row >= len(cells) {
		return ""
	}
	if col < 0 || col >= len(cells[row]) {
		return ""
	}
	return cells[row][col]
}
