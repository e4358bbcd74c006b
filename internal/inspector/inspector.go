// Package inspector implements the offline, read-only trace browser (C9):
// a tview/tcell terminal UI over the same memmap.Map and tracelog.Stream
// types the server uses, for sanity-checking a captured trace before
// pointing a debugger at it. It never steps, breakpoints, or opens a
// network connection. Grounded on the teacher's debugger/tui.go panel
// layout (a tview Flex of a list plus a detail pane) and event loop.
package inspector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/memmap"
	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/replay"
	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/tracelog"
	"github.com/rivo/tview"
)

// App is the inspector's terminal UI: a hart list on the left, and a
// detail pane on the right showing the selected hart's trace entries plus
// a hex dump of the highlighted entry's instruction bytes, as many as
// InstrLen reports for its pc.
type App struct {
	mm      *memmap.Map
	stream  *tracelog.Stream
	hartIDs []int

	currentHart int

	app        *tview.Application
	hartList   *tview.List
	entryTable *tview.Table
	detail     *tview.TextView
}

// New builds an inspector over mm and stream; it performs no replay state
// of its own, only reads from both.
func New(mm *memmap.Map, stream *tracelog.Stream) *App {
	ids := make([]int, 0, len(stream.Harts))
	for id := range stream.Harts {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return &App{
		mm:      mm,
		stream:  stream,
		hartIDs: ids,
	}
}

// Run starts the terminal UI and blocks until the operator quits (q or
// Ctrl-C).
func (a *App) Run() error {
	a.app = tview.NewApplication()

	a.hartList = tview.NewList().ShowSecondaryText(false)
	a.hartList.SetBorder(true).SetTitle(" Harts ")
	for _, id := range a.hartIDs {
		count := len(a.stream.Harts[id])
		a.hartList.AddItem(fmt.Sprintf("hart %d (%d entries)", id, count), "", 0, nil)
	}

	a.entryTable = tview.NewTable().SetBorders(false).SetSelectable(true, false)
	a.entryTable.SetBorder(true).SetTitle(" Trace ")

	a.detail = tview.NewTextView().SetDynamicColors(false)
	a.detail.SetBorder(true).SetTitle(" Bytes at cursor ")

	if len(a.hartIDs) > 0 {
		a.showHart(a.hartIDs[0])
	}

	a.hartList.SetSelectedFunc(func(index int, _ string, _ string, _ rune) {
		if index >= 0 && index < len(a.hartIDs) {
			a.showHart(a.hartIDs[index])
		}
	})
	a.entryTable.SetSelectionChangedFunc(func(row, _ int) {
		a.showBytesForRow(row)
	})

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.entryTable, 0, 3, false).
		AddItem(a.detail, 6, 0, false)

	root := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(a.hartList, 30, 0, true).
		AddItem(right, 0, 1, false)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' {
			a.app.Stop()
			return nil
		}
		return event
	})

	return a.app.SetRoot(root, true).SetFocus(a.hartList).Run()
}

// showHart repopulates the entry table for hart id.
func (a *App) showHart(id int) {
	a.entryTable.Clear()
	entries := a.stream.Harts[id]

	a.entryTable.SetCell(0, 0, tview.NewTableCell("idx").SetSelectable(false))
	a.entryTable.SetCell(0, 1, tview.NewTableCell("pc").SetSelectable(false))
	a.entryTable.SetCell(0, 2, tview.NewTableCell("symbol").SetSelectable(false))

	for i, e := range entries {
		row := i + 1
		a.entryTable.SetCell(row, 0, tview.NewTableCell(fmt.Sprintf("%d", i)))
		a.entryTable.SetCell(row, 1, tview.NewTableCell(fmt.Sprintf("0x%x", e.PC)))
		a.entryTable.SetCell(row, 2, tview.NewTableCell(e.Symbol))
	}

	a.currentHart = id
	if len(entries) > 0 {
		a.entryTable.Select(1, 0)
		a.showBytesForRow(1)
	}
}

// showBytesForRow renders a hex dump of the InstrLen-sized instruction at
// the entry on the given table row (row 0 is the header).
func (a *App) showBytesForRow(row int) {
	entries := a.stream.Harts[a.currentHart]
	idx := row - 1
	if idx < 0 || idx >= len(entries) {
		a.detail.SetText("")
		return
	}

	pc := entries[idx].PC
	length := replay.InstrLen(a.mm, pc, nil)
	b, err := a.mm.Read(pc, uint64(length))
	if err != nil {
		a.detail.SetText(fmt.Sprintf("0x%x: not mapped", pc))
		return
	}
	a.detail.SetText(formatHexDump(pc, length, b))
}

// formatHexDump renders a probed instruction's bytes for the detail pane.
// Split out from showBytesForRow so it can be tested without a running
// tview application.
func formatHexDump(pc uint64, length int, b []byte) string {
	hexParts := make([]string, len(b))
	for i, by := range b {
		hexParts[i] = fmt.Sprintf("%02x", by)
	}
	return fmt.Sprintf("0x%x (%d bytes): %s", pc, length, strings.Join(hexParts, " "))
}
