package cli

import (
	"github.com/spf13/cobra"

	"github.com/casys-ai/pml/internal/rpc"
)

func newStdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve the Public API as JSON-RPC over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(globalCfg)
			if err != nil {
				return err
			}
			defer d.Close()

			gw, err := buildGateway(cmd.Context(), globalCfg, d)
			if err != nil {
				return err
			}
			return rpc.ServeStdio(cmd.Context(), rpc.New(gw))
		},
	}
}
