package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/parcel-cli/internal/parcel"
)

var countiesCmd = &cobra.Command{
	Use:   "counties",
	Short: "List Florida county codes",
	RunE: func(_ *cobra.Command, _ []string) error {
		counties, err := parcel.LoadCounties()
		if err != nil {
			return err
		}
		return formatCounties(os.Stdout, counties.All())
	},
}

func formatCounties(out io.Writer, counties []parcel.County) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tFIPS\tNAME\tNOTE")
	for _, c := range counties {
		name := c.Name
		if name == "" {
			name = "-"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.Code, c.FIPS, name, c.Note)
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(countiesCmd)
}
