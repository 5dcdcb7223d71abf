package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/pml"
	"github.com/casys-ai/pml/pkg/pmlerrors"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <fqdn>",
		Short: "Execute a previously learned capability by its FQDN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fqdn := capability.FQDN(args[0])

			d, err := buildDeps(globalCfg)
			if err != nil {
				return err
			}
			defer d.Close()

			cap, err := d.store.GetByFQDN(cmd.Context(), fqdn)
			if err != nil {
				return err
			}
			if cap == nil {
				return pmlerrors.Newf(pmlerrors.KindUnknownReference, "capability %s not found", fqdn)
			}

			gw, err := buildGateway(cmd.Context(), globalCfg, d)
			if err != nil {
				return err
			}

			res, err := gw.Execute(cmd.Context(), pml.ExecuteRequest{
				Org: cap.Org, Project: cap.Project, DisplayName: cap.DisplayName, Code: cap.Code,
			})
			if err != nil {
				return err
			}

			if res.ApprovalRequired {
				fmt.Fprintf(cmd.OutOrStdout(), "approval required for workflow %s: %v\n", res.WorkflowID, res.Approval.Tools)
				return nil
			}
			if !res.Success {
				return pmlerrors.New(pmlerrors.KindToolError, res.ErrorMessage)
			}

			out, err := json.MarshalIndent(res.Results, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
