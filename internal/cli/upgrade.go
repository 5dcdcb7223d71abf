package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/casys-ai/pml/internal/lockfile"
	"github.com/casys-ai/pml/pkg/pmlerrors"
)

func newUpgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Re-fetch every pinned registry entry and update the lockfile on change",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalCfg.Workspace.RegistryURL == "" {
				return pmlerrors.New(pmlerrors.KindInternalError, "workspace.registry_url is not configured")
			}
			lockPath := globalCfg.LockFilePath()
			lf, err := lockfile.Load(lockPath)
			if err != nil {
				return err
			}

			changed := 0
			for fqdn, entry := range lf.Entries {
				d, hash, err := fetchRegistryDescriptor(globalCfg.Workspace.RegistryURL, fqdn)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", fqdn, err)
					continue
				}
				if hash == entry.SourceHash {
					continue
				}
				lf.Entries[fqdn] = lockfile.Entry{
					FQDN: d.FQDN, Type: d.Type, Routing: d.Routing, Tools: d.Tools,
					SourceHash: hash, InstalledAt: time.Now(),
				}
				changed++
			}

			if changed > 0 {
				if err := lockfile.Save(lockPath, lf); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "upgraded %d of %d pinned entries\n", changed, len(lf.Entries))
			return nil
		},
	}
}
