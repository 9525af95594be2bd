package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state <deployment>",
		Short: "Print the stored state of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			dep, err := a.iac.GetDeploymentState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			body, err := json.MarshalIndent(dep, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
}
