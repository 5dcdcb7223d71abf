package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/casys-ai/pml/internal/config"
	"github.com/casys-ai/pml/internal/lockfile"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace's .pml directory, config, and capability store",
		RunE: func(cmd *cobra.Command, args []string) error {
			dotDir := filepath.Join(globalCfg.Workspace.Root, ".pml")
			if err := os.MkdirAll(dotDir, 0o755); err != nil {
				return configError(err)
			}

			configPath := config.DefaultConfigPath(globalCfg.Workspace.Root)
			if !fileExists(configPath) {
				f, err := os.Create(configPath)
				if err != nil {
					return configError(err)
				}
				defer f.Close()
				if err := toml.NewEncoder(f).Encode(globalCfg); err != nil {
					return configError(err)
				}
			}

			lockPath := globalCfg.LockFilePath()
			if !fileExists(lockPath) {
				if err := lockfile.Save(lockPath, &lockfile.File{Entries: map[string]lockfile.Entry{}}); err != nil {
					return configError(err)
				}
			}

			d, err := buildDeps(globalCfg)
			if err != nil {
				return err
			}
			d.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "initialized pml workspace at %s\n", globalCfg.Workspace.Root)
			return nil
		},
	}
}
