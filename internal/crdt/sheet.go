package crdt

// cellReg is a last-write-wins register for one spreadsheet cell. Writes
// compare by stamp, so concurrent writes resolve identically everywhere.
type cellReg struct {
	Value string
	Stamp ItemID
}

type cellKey struct {
	Row, Col int
}

type sheet struct {
	cells   map[cellKey]cellReg
	maxRow  int
	maxCol  int
	touched bool
}

func newSheet() *sheet {
	return &sheet{cells: make(map[cellKey]cellReg)}
}

// set merges a cell write, keeping the value with the greater stamp.
// Writing an empty string is how cells are cleared; the write still counts
// toward the sheet dimensions.
func (s *sheet) set(row, col int, value string, stamp ItemID) {
	key := cellKey{Row: row, Col: col}
	if current, ok := s.cells[key]; ok && !current.Stamp.Less(stamp) {
		return
	}
	s.cells[key] = cellReg{Value: value, Stamp: stamp}
	if row+1 > s.maxRow {
		s.maxRow = row + 1
	}
	if col+1 > s.maxCol {
		s.maxCol = col + 1
	}
	s.touched = true
}

// grid materializes a dense 2-D array covering every written coordinate,
// but never smaller than the given floor dimensions.
func (s *sheet) grid(minRows, minCols int) [][]string {
	rows := s.maxRow
	if rows < minRows {
		rows = minRows
	}
	cols := s.maxCol
	if cols < minCols {
		cols = minCols
	}
	out := make([][]string, rows)
	for r := range out {
		out[r] = make([]string, cols)
		for c := range out[r] {
			out[r][c] = s.cells[cellKey{Row: r, Col: c}].Value
		}
	}
	return out
}
