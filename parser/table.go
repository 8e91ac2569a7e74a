package parser

import (
	"strings"

	"xtc/blocks"
	"xtc/layout"
)

const (
	maxTableColumns = 8
	tableCellPad    = 4
	minColumnWidth  = 10
)

// renderTable draws the collected table as fixed rows with ASCII borders.
// Column widths come from measured content, scaled down when the table is
// wider than the viewport.
func (c *Chapter) renderTable() {
	rows := c.tableRows
	caption := strings.TrimSpace(c.tableCaption.String())
	c.tableRows = nil
	c.tableCaption.Reset()

	if len(rows) == 0 || c.stopRequested {
		return
	}
	if !c.cfg.ShowTables {
		c.startNewTextBlock(c.cfg.Alignment)
		return
	}

	rows = dropEmptyRows(rows)
	if len(rows) == 0 {
		c.startNewTextBlock(c.cfg.Alignment)
		return
	}

	maxCols := 0
	for _, row := range rows {
		if len(row) > maxCols {
			maxCols = len(row)
		}
	}
	if maxCols > maxTableColumns {
		maxCols = maxTableColumns
	}

	for _, row := range rows {
		for _, cell := range row {
			trimmed := strings.TrimSpace(cell.text.String())
			cell.text.Reset()
			cell.text.WriteString(trimmed)
		}
	}

	sepWidth := c.fonts.TextWidth("|", blocks.Regular)
	availWidth := c.cfg.ViewportWidth - (maxCols+1)*sepWidth - maxCols*tableCellPad*2
	if availWidth < maxCols*minColumnWidth {
		c.emitTableNotice("[Table: too wide]")
		c.startNewTextBlock(c.cfg.Alignment)
		return
	}

	colMaxW := make([]int, maxCols)
	for _, row := range rows {
		for i, cell := range row {
			if i >= maxCols {
				break
			}
			style := blocks.Regular
			if cell.isHeader {
				style = blocks.Bold
			}
			if w := c.fonts.TextWidth(cell.text.String(), style); w > colMaxW[i] {
				colMaxW[i] = w
			}
		}
	}

	total := 0
	for _, w := range colMaxW {
		total += max(w, minColumnWidth)
	}
	colW := make([]int, maxCols)
	for i, w := range colMaxW {
		if total <= availWidth {
			colW[i] = max(w, minColumnWidth)
		} else {
			colW[i] = max(minColumnWidth, w*availWidth/total)
		}
	}

	if caption != "" {
		c.emitCaption(caption)
		if c.stopRequested {
			return
		}
	}

	c.emitBorderRow(colW)

	for rowIdx, row := range rows {
		if c.stopRequested {
			return
		}
		// Words carry precomputed positions, so the line bypasses layout.
		line := &blocks.TextBlock{Align: blocks.LeftAlign}
		x := 0
		line.Words = append(line.Words, blocks.Word{Text: "|", XPos: uint16(x)})
		x += sepWidth
		for col := 0; col < maxCols; col++ {
			x += tableCellPad
			if col < len(row) {
				cell := row[col]
				style := blocks.Regular
				if cell.isHeader {
					style = blocks.Bold
				}
				text := c.truncateToFit(cell.text.String(), colW[col], style)
				if text != "" {
					line.Words = append(line.Words, blocks.Word{Text: text, XPos: uint16(x), Style: style})
				}
			}
			x += colW[col] + tableCellPad
			line.Words = append(line.Words, blocks.Word{Text: "|", XPos: uint16(x)})
			x += sepWidth
		}
		c.addLineToPage(line)

		// Separator under the header block.
		if rowIdx+1 < len(rows) && rowIsHeader(row) && !rowIsHeader(rows[rowIdx+1]) {
			c.emitBorderRow(colW)
		}
	}

	if !c.stopRequested {
		c.emitBorderRow(colW)
	}
	c.startNewTextBlock(c.cfg.Alignment)
}

func dropEmptyRows(rows [][]*tableCell) [][]*tableCell {
	kept := rows[:0]
	for _, row := range rows {
		empty := true
		for _, cell := range row {
			if strings.TrimSpace(cell.text.String()) != "" {
				empty = false
				break
			}
		}
		if !empty {
			kept = append(kept, row)
		}
	}
	return kept
}

func rowIsHeader(row []*tableCell) bool {
	for _, cell := range row {
		if !cell.isHeader {
			return false
		}
	}
	return len(row) > 0
}

func (c *Chapter) emitTableNotice(text string) {
	line := layout.New(blocks.CenterAlign, layout.Options{Greedy: true, Arena: c.opts.Arena, Log: c.log})
	line.AddWord(text, blocks.Italic, blocks.DecoNone)
	line.LayoutAndExtractLines(c.fonts, c.cfg.ViewportWidth, c.addLineToPage, true,
		func() bool { return c.stopRequested })
}

func (c *Chapter) emitCaption(caption string) {
	c.block = layout.New(blocks.CenterAlign, layout.Options{
		Greedy:      true,
		IndentLevel: c.cfg.IndentLevel,
		Arena:       c.opts.Arena,
		Log:         c.log,
	})
	c.block.AddWord(caption, blocks.Italic, blocks.DecoNone)
	c.makePages()
}

func (c *Chapter) emitBorderRow(colW []int) {
	if c.stopRequested {
		return
	}
	sepWidth := c.fonts.TextWidth("+", blocks.Regular)
	dashWidth := c.fonts.TextWidth("-", blocks.Regular)

	line := &blocks.TextBlock{Align: blocks.LeftAlign}
	x := 0
	for _, w := range colW {
		line.Words = append(line.Words, blocks.Word{Text: "+", XPos: uint16(x)})
		x += sepWidth
		span := w + tableCellPad*2
		if dashWidth > 0 {
			count := span / dashWidth
			if count > 0 {
				line.Words = append(line.Words, blocks.Word{Text: strings.Repeat("-", count), XPos: uint16(x)})
			}
		}
		x += span
	}
	line.Words = append(line.Words, blocks.Word{Text: "+", XPos: uint16(x)})
	c.addLineToPage(line)
}

// truncateToFit shortens text so it renders within maxWidth, appending ".."
// when anything was cut.
func (c *Chapter) truncateToFit(text string, maxWidth int, style blocks.Style) string {
	if c.fonts.TextWidth(text, style) <= maxWidth {
		return text
	}
	ellipsisWidth := c.fonts.TextWidth("..", style)
	targetWidth := maxWidth - ellipsisWidth
	if targetWidth <= 0 {
		return ".."
	}
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if c.fonts.TextWidth(b.String(), style) > targetWidth {
			s := b.String()
			return s[:len(s)-len(string(r))] + ".."
		}
	}
	return b.String() + ".."
}
