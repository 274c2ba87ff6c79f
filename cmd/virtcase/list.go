package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type listOptions struct {
	*globalOptions
	selection

	format string
}

// listEntry is one expanded case in the json output.
type listEntry struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Steps       int               `json:"steps"`
	Source      string            `json:"source"`
	Params      map[string]string `json:"params,omitempty"`
}

func newListCommand(global *globalOptions) *cobra.Command {
	o := &listOptions{globalOptions: global}
	cmd := &cobra.Command{
		Use:   "list [PATH...]",
		Short: "List the cases a run would execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.list(args)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&o.tags, "tags", "t", nil, "only list cases with one of these tags; prefix with ! to exclude")
	flags.StringSliceVarP(&o.match, "match", "m", nil, "only list cases whose name matches")
	flags.StringVar(&o.format, "format", "text", "output format: json or text")
	return cmd
}

func (o *listOptions) list(paths []string) error {
	if o.format != "json" && o.format != "text" {
		return fmt.Errorf("invalid format %q, must be json or text", o.format)
	}

	instances, err := loadInstances(o.cfg, paths, o.selection, o.errOut)
	if err != nil {
		return err
	}

	entries := make([]listEntry, 0, len(instances))
	for _, inst := range instances {
		entries = append(entries, listEntry{
			Name:        inst.Name,
			Description: inst.Case.Description,
			Tags:        inst.Tags,
			Steps:       len(inst.Case.Steps),
			Source:      inst.Case.Source,
			Params:      inst.Params,
		})
	}

	if o.format == "json" {
		enc := json.NewEncoder(o.out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	table := tablewriter.NewWriter(o.out)
	table.SetHeader([]string{"NAME", "TAGS", "STEPS", "DESCRIPTION"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, e := range entries {
		table.Append([]string{e.Name, strings.Join(e.Tags, ","), strconv.Itoa(e.Steps), e.Description})
	}
	table.Render()

	_, err = fmt.Fprintf(o.out, "\n%d case(s)\n", len(entries))
	return err
}
