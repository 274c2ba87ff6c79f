package main

import (
	"fmt"

	"github.com/alexandremahdhaoui/virtcase/pkg/backup"
	"github.com/spf13/cobra"
)

func newRestoreCommand(o *globalOptions) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "restore [RUN_ID]",
		Short: "Put back the domains of a run that was killed before it could restore them",
		Long: `restore redefines every domain whose snapshot is still in the state directory,
newest first, and starts the ones that were running. Without RUN_ID every run is restored.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var runID string
			if len(args) == 1 {
				runID = args[0]
			}

			env, err := newEnvironment(o.cfg, o.runner)
			if err != nil {
				return err
			}
			defer func() { _ = env.close() }()

			if list {
				recs, err := env.store.List()
				if err != nil {
					return err
				}
				for _, rec := range recs {
					if runID == "" || rec.RunID == runID {
						_, _ = fmt.Fprintf(o.out, "%s\t%s\t%s\n", rec.RunID, rec.VMName, rec.ID)
					}
				}
				return nil
			}

			m := backup.NewManager(env.driver, env.store, env.backupOptions(runID))
			n, err := m.Recover(cmd.Context(), runID)
			_, _ = fmt.Fprintf(o.out, "%d domain(s) restored\n", n)
			return err
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "only list the pending snapshots")
	return cmd
}
