package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/citypulse/transit-ingest/internal/feed"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured feed sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := feed.Load(cfg.Sources)
		if err != nil {
			return eris.Wrap(err, "load sources")
		}
		formatSources(os.Stdout, sources)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

// formatSources writes a tabular view of the source registry to w.
func formatSources(out io.Writer, sources *feed.Registry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFORMAT\tCADENCE\tTIMEZONE\tURL")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t--------\t---")

	for _, src := range sources.All() {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			src.ID, src.Format, formatCadence(&src.Cadence), src.Timezone, src.URL)
	}
	_ = w.Flush()
}

func formatCadence(c *feed.Cadence) string {
	if c.SubMinute() {
		offs := make([]string, len(c.Offsets))
		for i, o := range c.Offsets {
			offs[i] = strconv.Itoa(o)
		}
		return "offsets [" + strings.Join(offs, ",") + "]"
	}
	return "cron " + c.Cron
}
