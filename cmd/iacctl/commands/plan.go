package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opnctl/iacengine/pkg/iac"
)

// resourceFile is the on-disk shape of the --resources JSON file: a flat
// list of the deployment's desired resources.
type resourceFile struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Name         string                 `json:"name"`
	Properties   map[string]interface{} `json:"properties"`
	Dependencies []string               `json:"dependencies,omitempty"`
}

func loadResources(path string) ([]iac.ResourceDesired, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading resources file: %w", err)
	}
	var entries []resourceFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing resources file: %w", err)
	}
	out := make([]iac.ResourceDesired, 0, len(entries))
	for _, e := range entries {
		out = append(out, iac.ResourceDesired{
			ID:           e.ID,
			Type:         e.Type,
			Name:         e.Name,
			Properties:   e.Properties,
			Dependencies: e.Dependencies,
		})
	}
	return out, nil
}

func newPlanCommand() *cobra.Command {
	var resourcesFile string
	var outFile string

	cmd := &cobra.Command{
		Use:   "plan <deployment>",
		Short: "Compute and persist an execution plan",
		Long: `Compute an execution plan by diffing the desired resources in
--resources against the deployment's currently stored state. The plan is
persisted and its ID printed for a later 'apply' call.`,
		Example: `  iacctl plan corp-network --resources desired.json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			resources, err := loadResources(resourcesFile)
			if err != nil {
				return err
			}

			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			plan, err := a.iac.PlanDeployment(cmd.Context(), name, resources)
			if err != nil {
				return fmt.Errorf("planning %q: %w", name, err)
			}

			fmt.Printf("plan %s: create=%d update=%d delete=%d replace=%d, %d wave(s), %d risk(s)\n",
				plan.ID, plan.Summary.Create, plan.Summary.Update, plan.Summary.Delete, plan.Summary.Replace,
				len(plan.Waves), len(plan.Risks))
			for _, r := range plan.Risks {
				fmt.Printf("  risk[%s] %s: %s\n", r.Severity, r.ResourceID, r.Reason)
			}

			if outFile != "" {
				body, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outFile, body, 0644); err != nil {
					return fmt.Errorf("writing plan file: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&resourcesFile, "resources", "r", "", "path to a JSON file describing desired resources")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the full plan to this JSON file")
	cmd.MarkFlagRequired("resources")

	return cmd
}
