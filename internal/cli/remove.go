package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/casys-ai/pml/internal/lockfile"
	"github.com/casys-ai/pml/pkg/pmlerrors"
)

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <fqdn>",
		Short: "Unpin a locked MCP server or capability from the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fqdn := args[0]
			lockPath := globalCfg.LockFilePath()
			lf, err := lockfile.Load(lockPath)
			if err != nil {
				return err
			}
			if _, ok := lf.Entries[fqdn]; !ok {
				return pmlerrors.Newf(pmlerrors.KindUnknownReference, "%s is not pinned in this workspace", fqdn)
			}
			delete(lf.Entries, fqdn)
			if err := lockfile.Save(lockPath, lf); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", fqdn)
			return nil
		},
	}
}
