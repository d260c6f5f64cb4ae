// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	warnRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// newReportTable returns a two-column table. Rows listed in warn are highlighted.
func newReportTable(warn map[int]bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("Metric", "Value").
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case warn[row]:
				s = warnRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		})
}

func report(cfg config, s *stats) {
	var total time.Duration
	for _, d := range s.durations {
		total += d
	}
	mean := total / time.Duration(max(1, len(s.durations)))
	fastest := slices.Min(s.durations)
	rate := float64(s.flops) / fastest.Seconds()

	sizes := cfg.blockSizes()
	rows := [][]string{
		{"ranks", humanize.Comma(int64(cfg.procs))},
		{"grid A", s.gridA},
		{"grid C", s.gridC},
		{"dtype", cfg.dtype.String()},
		{"kernel", cfg.engine.Kernel().Name()},
		{"blocks per dim", humanize.Comma(int64(cfg.blocks))},
		{"block sizes", fmt.Sprintf("%d..%d", slices.Min(sizes), slices.Max(sizes))},
		{"optimize", fmt.Sprint(cfg.optimize)},
		{"blocks A / B / C", fmt.Sprintf("%s / %s / %s",
			humanize.Comma(int64(s.blocksA)), humanize.Comma(int64(s.blocksB)), humanize.Comma(int64(s.blocksC)))},
		{"block products", humanize.Comma(s.products)},
		{"flops per contraction", humanize.SIWithDigits(float64(s.flops), 2, "flop")},
		{"mean time", mean.String()},
		{"fastest time", fastest.String()},
		{"throughput", humanize.SIWithDigits(rate, 2, "flop/s")},
		{"norm of C", fmt.Sprintf("%.6g", s.normC)},
	}
	warn := make(map[int]bool)
	if s.blocksC == 0 {
		warn[8] = true
	}
	table := newReportTable(warn)
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
