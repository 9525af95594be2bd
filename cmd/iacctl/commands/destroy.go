package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opnctl/iacengine/pkg/iac"
)

func newDestroyCommand() *cobra.Command {
	var force bool
	var maxConcurrency int
	var continueOnError bool

	cmd := &cobra.Command{
		Use:   "destroy <deployment>",
		Short: "Plan and apply the teardown of every resource in a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := a.iac.DestroyDeployment(cmd.Context(), name, iac.DestroyOptions{
				Force:           force,
				MaxConcurrency:  maxConcurrency,
				ContinueOnError: &continueOnError,
			})
			if err != nil {
				return fmt.Errorf("destroying %q: %w", name, err)
			}

			printResult(result)
			if !result.Success {
				return fmt.Errorf("destroy finished with failures")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "proceed even if the destruction plan contains a critical risk")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "maximum concurrent deletes per wave (default 5)")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", true, "keep deleting remaining resources after a failed delete")

	return cmd
}
