package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/xdrag/internal/toplevel"
	"github.com/spf13/cobra"
)

var toplevelsCmd = &cobra.Command{
	Use:   "toplevels",
	Short: "List toplevel windows as a drag sees them",
	Long: `Build the toplevel directory from the window manager's stacking list and
print it front to back, with geometry, decorations and Motif drop style.`,
	Example: `  # List toplevels in table format (default)
  xdrag toplevels

  # List toplevels in JSON format
  xdrag toplevels --format json`,
	Args: cobra.NoArgs,
	RunE: runToplevels,
}

var toplevelsFormat string

func init() {
	rootCmd.AddCommand(toplevelsCmd)

	toplevelsCmd.Flags().StringVarP(&toplevelsFormat, "format", "f", "table", "output format (table or json)")
}

func runToplevels(cmd *cobra.Command, args []string) error {
	e, b, err := openEngine()
	if err != nil {
		return err
	}
	defer b.Close()

	records, err := e.Toplevels()
	if err != nil {
		return fmt.Errorf("failed to build toplevel directory: %w", err)
	}

	switch toplevelsFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	case "table":
		return printToplevelsTable(records)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", toplevelsFormat)
	}
}

func printToplevelsTable(records []*toplevel.Record) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "WINDOW\tGEOMETRY\tFRAME\tVIEWABLE\tSHAPED\tMOTIF")
	fmt.Fprintln(w, "------\t--------\t-----\t--------\t------\t-----")

	for _, r := range records {
		viewable := "No"
		if r.Viewable() {
			viewable = "Yes"
		}
		shaped := "No"
		if r.Bounding != nil || r.Input != nil {
			shaped = "Yes"
		}
		g := r.Geometry
		fmt.Fprintf(w, "%#x\t%dx%d+%d+%d\t%d,%d,%d,%d\t%s\t%s\t%s\n",
			r.Window, g.Width, g.Height, g.X, g.Y,
			r.Frame.Left, r.Frame.Right, r.Frame.Top, r.Frame.Bottom,
			viewable, shaped, r.Style)
	}

	return nil
}
