package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"tapline/internal/coverage"
)

var coverageCmd = &cobra.Command{
	Use:   "coverage <snapshot>...",
	Short: "Merge coverage snapshots and print per-file coverage",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCoverage,
}

func init() {
	coverageCmd.Flags().Bool("uncovered", false, "list the lines that never ran")
	coverageCmd.Flags().StringP("output", "o", "", "write the merged snapshot to file")
	coverageCmd.Flags().Float64("min", 0, "fail when total coverage is below this percentage")
}

var (
	coverageGood = color.New(color.FgGreen)
	coverageWarn = color.New(color.FgYellow)
	coverageBad  = color.New(color.FgRed)
)

func runCoverage(cmd *cobra.Command, args []string) error {
	uncovered, err := cmd.Flags().GetBool("uncovered")
	if err != nil {
		return err
	}
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	minPercent, err := cmd.Flags().GetFloat64("min")
	if err != nil {
		return err
	}

	merged, err := coverage.Load(args[0])
	if err != nil {
		return err
	}
	for _, path := range args[1:] {
		r, err := coverage.Load(path)
		if err != nil {
			return err
		}
		merged.Merge(r)
	}
	if output != "" {
		if err := coverage.Save(output, merged); err != nil {
			return err
		}
	}

	printCoverage(cmd.OutOrStdout(), merged, uncovered)
	if total := merged.Percent(); total < minPercent {
		return fmt.Errorf("coverage %.1f%% is below --min %.1f%%", total, minPercent)
	}
	return nil
}

func printCoverage(out io.Writer, r *coverage.Report, uncovered bool) {
	for i := range r.Files {
		f := &r.Files[i]
		covered, total := f.Covered()
		pct := 100.0
		if total > 0 {
			pct = float64(covered) * 100 / float64(total)
		}
		fmt.Fprintf(out, "%s %s (%d/%d)\n", percentColor(pct).Sprintf("%6.1f%%", pct), f.Path, covered, total)
		if !uncovered {
			continue
		}
		if _, lines := f.Lines(); len(lines) > 0 {
			fmt.Fprintf(out, "        uncovered lines: %s\n", formatLines(lines))
		}
	}
	total := r.Percent()
	fmt.Fprintf(out, "%s total\n", percentColor(total).Sprintf("%6.1f%%", total))
}

func percentColor(pct float64) *color.Color {
	switch {
	case pct >= 80:
		return coverageGood
	case pct >= 50:
		return coverageWarn
	default:
		return coverageBad
	}
}

// formatLines renders sorted line numbers with runs collapsed: 1-3,7.
func formatLines(lines []uint32) string {
	var sb strings.Builder
	for i := 0; i < len(lines); {
		j := i
		for j+1 < len(lines) && lines[j+1] == lines[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatUint(uint64(lines[i]), 10))
		if j > i {
			sb.WriteByte('-')
			sb.WriteString(strconv.FormatUint(uint64(lines[j]), 10))
		}
		i = j + 1
	}
	return sb.String()
}
