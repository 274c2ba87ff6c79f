package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// The version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(o.out, "%s version %s (%s) %s %s/%s\n",
				Name, Version, CommitSHA, BuildTimestamp, runtime.GOOS, runtime.GOARCH)
			return err
		},
	}
}
