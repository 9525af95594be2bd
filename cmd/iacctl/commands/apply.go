package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opnctl/iacengine/pkg/iac"
	"github.com/opnctl/iacengine/pkg/iac/types"
)

func newApplyCommand() *cobra.Command {
	var autoApprove bool
	var dryRun bool
	var maxConcurrency int
	var continueOnError bool

	cmd := &cobra.Command{
		Use:   "apply <plan-id>",
		Short: "Execute a previously computed plan",
		Long: `Apply executes the waves of a stored plan with bounded concurrency,
rolling back everything it applied if a wave fails.`,
		Example: `  iacctl apply 3f9c2b5e-... --auto-approve`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planID := args[0]

			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := a.iac.ApplyDeployment(cmd.Context(), planID, iac.ApplyOptions{
				AutoApprove:     autoApprove,
				DryRun:          dryRun,
				MaxConcurrency:  maxConcurrency,
				ContinueOnError: continueOnError,
			})
			if err != nil {
				return fmt.Errorf("applying plan %q: %w", planID, err)
			}

			printResult(result)
			if !result.Success {
				return fmt.Errorf("apply finished with failures")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve plans containing critical risks")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate the apply without invoking effectors")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "maximum concurrent changes per wave (default 5)")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep running remaining waves after a failed wave")

	return cmd
}

func printResult(result *types.ExecutionResult) {
	fmt.Printf("apply %s: success=%v rollback=%v\n", result.PlanID, result.Success, result.RollbackPerformed)
	for _, o := range result.Outcomes {
		status := "ok"
		if !o.Succeeded {
			status = fmt.Sprintf("failed (%s): %s", o.ErrorClass, o.Error)
		}
		fmt.Printf("  %-8s %-20s %s\n", o.Op, o.ResourceID, status)
	}
	if len(result.PartialRollback) > 0 {
		fmt.Printf("  WARNING: partial rollback, needs operator attention: %v\n", result.PartialRollback)
	}
}
