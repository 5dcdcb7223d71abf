package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/casys-ai/pml/internal/lockfile"
	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/pmlerrors"
)

// registryDescriptor mirrors the JSON shape GET /<fqdn> returns for
// non-capability records (spec §6 "Registry protocol").
type registryDescriptor struct {
	FQDN    string   `json:"fqdn"`
	Type    string   `json:"type"`
	ProxyTo string   `json:"proxyTo"`
	Tools   []string `json:"tools"`
	Routing string   `json:"routing"`
}

func fetchRegistryDescriptor(registryURL, fqdn string) (*registryDescriptor, string, error) {
	resp, err := http.Get(registryURL + "/" + fqdn)
	if err != nil {
		return nil, "", pmlerrors.Newf(pmlerrors.KindToolUnreachable, "fetching %s from registry: %v", fqdn, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", pmlerrors.Newf(pmlerrors.KindUnknownReference, "registry returned %d for %s", resp.StatusCode, fqdn)
	}
	var d registryDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, "", pmlerrors.New(pmlerrors.KindInternalError, "decoding registry descriptor").WithCause(err)
	}
	return &d, capability.HashSuffix(string(data)), nil
}

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <fqdn>",
		Short: "Pin an MCP server or capability from the registry into the workspace lockfile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalCfg.Workspace.RegistryURL == "" {
				return pmlerrors.New(pmlerrors.KindInternalError, "workspace.registry_url is not configured")
			}
			fqdn := args[0]
			d, hash, err := fetchRegistryDescriptor(globalCfg.Workspace.RegistryURL, fqdn)
			if err != nil {
				return err
			}

			lockPath := globalCfg.LockFilePath()
			lf, err := lockfile.Load(lockPath)
			if err != nil {
				return err
			}
			lf.Entries[fqdn] = lockfile.Entry{
				FQDN: d.FQDN, Type: d.Type, Routing: d.Routing, Tools: d.Tools,
				SourceHash: hash, InstalledAt: time.Now(),
			}
			if err := lockfile.Save(lockPath, lf); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "pinned %s (%s)\n", fqdn, d.Type)
			return nil
		},
	}
}
