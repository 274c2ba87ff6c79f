package main

import (
	"fmt"

	"github.com/alexandremahdhaoui/virtcase/pkg/scenario"
	"github.com/spf13/cobra"
)

func newValidateCommand(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [PATH...]",
		Short: "Check case files without touching any domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cases, errs := scenario.NewLoader("").LoadMultiple(casePaths(o.cfg, args))
			for _, err := range errs {
				_, _ = fmt.Fprintf(o.errOut, "%v\n", err)
			}

			instances := scenario.ExpandAll(cases)
			_, _ = fmt.Fprintf(o.out, "%d file(s) valid, %d case(s) after expansion, %d invalid\n",
				len(cases), len(instances), len(errs))
			if len(errs) > 0 {
				return &exitCodeError{code: exitError}
			}
			return nil
		},
	}
}
