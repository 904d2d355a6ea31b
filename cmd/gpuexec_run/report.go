// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpuexec/pkg/device/simdevice"
	"github.com/gomlx/gpuexec/pkg/gpuexec"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(exec *gpuexec.Executable, executor *simdevice.Executor, stats *runStats) {
	fmt.Println(titleStyle.Render("Executable"))
	table := newPlainTable(false)
	table.Row("name", exec.Name())
	table.Row("executor", fmt.Sprintf("%s (%s)", executor.ID(), executor.Version()))
	table.Row("code size", humanize.Bytes(uint64(exec.SizeOfGeneratedCode())))
	table.Row("thunks", strconv.Itoa(exec.Schedule().Len()))
	table.Row("streams", strconv.Itoa(exec.Schedule().StreamCount()))
	table.Row("temp buffers", humanize.Bytes(uint64(exec.BufferAssignment().TotalTempBytes())))
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Executions"))
	table = newPlainTable(false)
	var total int
	for _, mode := range gpuexec.ExecutionModeValues() {
		total += stats.modes[mode]
		table.Row(mode.String(), humanize.Comma(int64(stats.modes[mode])))
	}
	table.Row("total", humanize.Comma(int64(total)))
	table.Row("elapsed", stats.elapsed.Round(time.Microsecond).String())
	if total > 0 {
		table.Row("per execution", (stats.elapsed / time.Duration(total)).String())
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Graph cache"))
	cacheStats := exec.GraphCacheStats()
	table = newPlainTable(false)
	table.Row("attempts", humanize.Comma(cacheStats.Attempts))
	table.Row("hits", humanize.Comma(cacheStats.Hits))
	table.Row("hit rate", fmt.Sprintf("%.1f%%", 100*cacheStats.HitRate()))
	table.Row("capture costly", strconv.FormatBool(exec.IsGraphCaptureCostly()))
	table.Row("cached graphs", strconv.Itoa(exec.NumCachedGraphs()))
	var numHashes, numKeys int
	for _, perHash := range exec.GraphCacheDiagnostics() {
		numHashes += len(perHash)
		for _, keys := range perHash {
			numKeys += len(keys)
		}
	}
	table.Row("temp base hashes", strconv.Itoa(numHashes))
	table.Row("buffer keys seen", strconv.Itoa(numKeys))
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Device"))
	deviceStats := executor.Stats()
	table = newPlainTable(false)
	table.Row("module loads", humanize.Comma(deviceStats.ModuleLoads))
	table.Row("kernel launches", humanize.Comma(deviceStats.KernelLaunches))
	table.Row("graph launches", humanize.Comma(deviceStats.GraphLaunches))
	table.Row("live memory", humanize.Bytes(uint64(deviceStats.LiveBytes)))
	fmt.Println(table.Render())

	if profile := exec.ExecutionProfile(); profile != nil {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Profile of run %s (%s, %s)", profile.RunID, profile.Mode, profile.Total)))
		if len(profile.Thunks) == 0 {
			fmt.Println("    (replayed graph: no thunks launched)")
			return
		}
		table = newPlainTable(true)
		table.Headers("#", "Annotation", "Kind", "Stream", "Launch")
		for _, tp := range profile.Thunks {
			table.Row(strconv.Itoa(tp.Index), tp.Annotation, tp.Kind.String(), strconv.Itoa(tp.Stream), tp.Launch.String())
		}
		fmt.Println(table.Render())
	}
}
