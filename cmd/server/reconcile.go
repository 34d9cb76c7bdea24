package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/vesting-engine/api"
)

// newReconcileCmd runs a single sweep over a persisted store. It exits
// non-zero when any address disagrees.
func newReconcileCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check tracked balances against the transfers and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			rs := api.NewReconciliationScheduler(a.engine, logrus.NewEntry(a.log))
			run := rs.RunOnce(cmd.Context())
			if run.Error != "" {
				return fmt.Errorf("reconciliation failed: %s", run.Error)
			}
			if n := len(run.Mismatches); n > 0 {
				return fmt.Errorf("%d of %d addresses disagree", n, run.Addresses)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d addresses reconciled\n", run.Addresses)
			return nil
		},
	}
}
