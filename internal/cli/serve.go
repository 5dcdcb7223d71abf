package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/casys-ai/pml/internal/rpc"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Public API and registry protocol over HTTP",
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

			srv := rpc.NewHTTPServer(rpc.New(gw), d.store)
			addr := fmt.Sprintf(":%d", port)
			log.Printf(cmd.Context(), "pml serve listening on %s", addr)
			return http.ListenAndServe(addr, srv.Handler())
		},
	}
	cmd.Flags().IntVar(&port, "port", 8787, "HTTP port to listen on")
	return cmd
}
