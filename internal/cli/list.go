package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var pattern string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List capabilities learned in this workspace's default org/project",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(globalCfg)
			if err != nil {
				return err
			}
			defer d.Close()

			caps, err := d.store.List(cmd.Context(), scopeOf(globalCfg), pattern, limit, offset)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "FQDN\tNAME\tVERSION\tVISIBILITY\tSUCCESS RATE")
			for _, c := range caps {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.2f\n", c.FQDN, c.DisplayName, c.Version, c.Visibility, c.SuccessRate())
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "glob-style display-name filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results (0 = unbounded)")
	cmd.Flags().IntVar(&offset, "offset", 0, "result offset")
	return cmd
}
