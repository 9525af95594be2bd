package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeploymentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deployments",
		Short: "List known deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			summaries, err := a.iac.ListDeployments(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range summaries {
				fmt.Printf("%-24s resources=%-4d version=%-4d updated=%s\n", s.Name, s.ResourceCount, s.Version, s.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
}
