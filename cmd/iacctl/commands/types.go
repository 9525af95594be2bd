package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTypesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types",
		Short: "Inspect the resource type catalog",
	}
	cmd.AddCommand(newTypesListCommand())
	cmd.AddCommand(newTypesDescribeCommand())
	return cmd
}

func newTypesListCommand() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered resource types",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			for _, name := range a.iac.ListResourceTypes(category) {
				fmt.Println(name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "filter to one category")
	return cmd
}

func newTypesDescribeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <type>",
		Short: "Show a resource type's schema, dependency fields and replace-on-change set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			desc, err := a.iac.DescribeResourceType(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("type: %s\n", args[0])
			fmt.Println("schema:")
			for _, f := range desc.Schema {
				fmt.Printf("  %-20s %-8s required=%v enum=%v\n", f.Name, f.Kind, f.Required, f.Enum)
			}
			fmt.Printf("dependencyFields: %v\n", desc.DependencyFields)
			fmt.Printf("replaceOnChange: %v\n", desc.ReplaceOnChange)
			fmt.Printf("idempotencyKeys: %v\n", desc.IdempotencyKeys)
			return nil
		},
	}
}
