package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tapline/internal/filter"
	"tapline/internal/guest"
	"tapline/internal/instrument"
	"tapline/internal/source"
)

var filterCmd = &cobra.Command{
	Use:   "filter <file>",
	Short: "Print the instrumentable nodes a filter selects",
	Long: `Parse a source and print every instrumentable node that matches the
filter built from the flags, the way an attached binding would see them.`,
	Args: cobra.ExactArgs(1),
	RunE: runFilter,
}

func init() {
	filterCmd.Flags().StringSlice("tag", nil, "match nodes carrying any of these tags")
	filterCmd.Flags().StringSlice("line", nil, "match nodes on these lines (N or N-M, inclusive)")
	filterCmd.Flags().StringSlice("root", nil, "match nodes of these roots")
	filterCmd.Flags().Bool("internal", false, "include INTERNAL nodes")
}

func runFilter(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	tagNames, err := flags.GetStringSlice("tag")
	if err != nil {
		return err
	}
	lineSpecs, err := flags.GetStringSlice("line")
	if err != nil {
		return err
	}
	roots, err := flags.GetStringSlice("root")
	if err != nil {
		return err
	}
	internal, err := flags.GetBool("internal")
	if err != nil {
		return err
	}

	b := filter.NewBuilder().IncludeInternal(internal)
	if len(tagNames) > 0 {
		tags := make([]instrument.Tag, 0, len(tagNames))
		for _, name := range tagNames {
			tag, err := instrument.ParseTag(name)
			if err != nil {
				return fmt.Errorf("--tag: %w", err)
			}
			tags = append(tags, tag)
		}
		b = b.TagIs(tags...)
	}
	if len(lineSpecs) > 0 {
		ranges := make([]filter.IndexRange, 0, len(lineSpecs))
		for _, spec := range lineSpecs {
			r, err := parseLineRange(spec)
			if err != nil {
				return fmt.Errorf("--line: %w", err)
			}
			ranges = append(ranges, r)
		}
		b = b.LineInRanges(ranges...)
	}
	if len(roots) > 0 {
		b = b.RootNameIs(strings.Join(roots, "|"), func(name string) bool {
			for _, r := range roots {
				if r == name {
					return true
				}
			}
			return false
		})
	}
	f, err := b.Build()
	if err != nil {
		return err
	}

	fs := source.NewFileSet()
	file, err := fs.Load(args[0])
	if err != nil {
		return err
	}
	prog, err := guest.Parse(file)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	count := 0
	for _, n := range matchingNodes(prog, f) {
		fmt.Fprintf(out, "%s\t%s\t%s\n", n.Section(), n.Tags(), n.RootName())
		count++
	}
	if quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet"); !quiet {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d nodes match %s\n", count, f)
	}
	return nil
}

// matchingNodes returns the instrumentable nodes of prog selected by f.
func matchingNodes(prog *guest.Program, f *filter.Filter) []*guest.Node {
	var out []*guest.Node
	prog.Walk(func(n *guest.Node) bool {
		if n.Probe() != nil && f.Matches(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// parseLineRange parses N or N-M (inclusive) into a half-open range.
func parseLineRange(spec string) (filter.IndexRange, error) {
	first, last, found := strings.Cut(strings.TrimSpace(spec), "-")
	start, err := strconv.Atoi(first)
	if err != nil {
		return filter.IndexRange{}, fmt.Errorf("invalid line %q", spec)
	}
	end := start
	if found {
		if end, err = strconv.Atoi(last); err != nil {
			return filter.IndexRange{}, fmt.Errorf("invalid line range %q", spec)
		}
	}
	if start < 1 {
		return filter.IndexRange{}, fmt.Errorf("lines start at 1, got %q", spec)
	}
	return filter.Between(start, end+1)
}
