package history

import (
	"testing"

	"inkwell/api/internal/content"
)

func TestDiffIdenticalSnapshotsHasNoChanges(t *testing.T) {
	cases := []struct {
		name string
		snap content.Content
	}{
		{name: "markdown", snap: content.Markdown("line one\nline two")},
		{name: "richtext", snap: content.RichText([]content.DeltaOp{{Insert: "hello"}})},
		{name: "sheet", snap: content.Sheet([][]string{{"a", "b"}, {"c", ""}})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			diff, err := Compute(tc.snap, tc.snap, tc.snap.Format)
			if err != nil {
				t.Fatalf("compute: %v", err)
			}
			for _, line := range diff.Lines {
				if line.Kind != ChangeUnchanged {
					t.Fatalf("line %d marked %q", line.Index, line.Kind)
				}
			}
			for _, cell := range diff.Cells {
				if cell.Kind != ChangeUnchanged {
					t.Fatalf("cell (%d,%d) marked %q", cell.Row, cell.Col, cell.Kind)
				}
			}
			if len(diff.Patch) != 0 {
				t.Fatalf("patch for identical snapshots: %s", diff.Patch)
			}
		})
	}
}

func TestDiffSheetCells(t *testing.T) {
	old := content.Sheet([][]string{{"a", "b"}, {"c", ""}})
	new := content.Sheet([][]string{{"a", "x"}, {"c", "d"}})

	diff, err := Compute(old, new, content.FormatSheet)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	kinds := make(map[[2]int]string, len(diff.Cells))
	for _, cell := range diff.Cells {
		kinds[[2]int{cell.Row, cell.Col}] = cell.Kind
	}

	want := map[[2]int]string{
		{0, 0}: ChangeUnchanged,
		{0, 1}: ChangeModified,
		{1, 0}: ChangeUnchanged,
		{1, 1}: ChangeInserted,
	}
	if len(kinds) != len(want) {
		t.Fatalf("annotated %d cells, want %d: %v", len(kinds), len(want), kinds)
	}
	for coord, kind := range want {
		if kinds[coord] != kind {
			t.Fatalf("cell %v = %q, want %q", coord, kinds[coord], kind)
		}
	}
}

func TestDiffSheetDeletedCell(t *testing.T) {
	old := content.Sheet([][]string{{"v"}})
	new := content.Sheet([][]string{{""}})

	diff, err := Compute(old, new, content.FormatSheet)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(diff.Cells) != 1 || diff.Cells[0].Kind != ChangeDeleted {
		t.Fatalf("cells = %+v", diff.Cells)
	}
}

func TestDiffLines(t *testing.T) {
	old := content.Markdown("intro\nmiddle old\nend")
	new := content.Markdown("intro\nmiddle new\nend\nappended")

	diff, err := Compute(old, new, content.FormatMarkdown)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(diff.Lines) != 4 {
		t.Fatalf("line annotations = %d, want 4", len(diff.Lines))
	}
	if diff.Lines[0].Kind != ChangeUnchanged {
		t.Fatalf("line 0 = %q", diff.Lines[0].Kind)
	}
	if diff.Lines[1].Kind != ChangeChanged || len(diff.Lines[1].Spans) == 0 {
		t.Fatalf("line 1 = %+v", diff.Lines[1])
	}
	if diff.Lines[3].Kind != ChangeInserted || diff.Lines[3].NewText != "appended" {
		t.Fatalf("line 3 = %+v", diff.Lines[3])
	}
}

func TestDiffDeletedTrailingLines(t *testing.T) {
	old := content.Markdown("keep\ngone")
	new := content.Markdown("keep")

	diff, err := Compute(old, new, content.FormatMarkdown)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(diff.Lines) != 2 || diff.Lines[1].Kind != ChangeDeleted || diff.Lines[1].OldText != "gone" {
		t.Fatalf("lines = %+v", diff.Lines)
	}
}

func TestDiffFormatMismatch(t *testing.T) {
	if _, err := Compute(content.Markdown("x"), content.Sheet(nil), content.FormatMarkdown); err == nil {
		t.Fatal("mismatched formats accepted")
	}
}
