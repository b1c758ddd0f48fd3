package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/probe"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe WINDOW",
	Short: "Show which drop protocol a window speaks",
	Long: `Resolve a window the way a drag would: XDND on the window itself, an
XDND proxy, Motif, the root window and the compositor overlay.`,
	Example: `  # Probe a window id from xwininfo
  xdrag probe 0x3a00007

  # Print the result as JSON
  xdrag probe 0x3a00007 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

var probeFormat string

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().StringVarP(&probeFormat, "format", "f", "table", "output format (table or json)")
}

func parseWindow(s string) (xproto.Window, error) {
	id, err := strconv.ParseUint(s, 0, 32)
	if err != nil || id == 0 {
		return xproto.WindowNone, fmt.Errorf("invalid window id: %q", s)
	}
	return xproto.Window(id), nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	win, err := parseWindow(args[0])
	if err != nil {
		return err
	}

	e, b, err := openEngine()
	if err != nil {
		return err
	}
	defer b.Close()

	target := e.Probe(win)

	switch probeFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(target)
	case "table":
		printTarget(target)
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", probeFormat)
	}
}

func printTarget(t probe.Target) {
	fmt.Printf("Protocol: %s\n", t.Protocol)
	if t.Protocol == probe.ProtocolXDND {
		fmt.Printf("Version:  %d\n", t.Version)
	}
	if t.Protocol == probe.ProtocolMotif {
		fmt.Printf("Style:    %s\n", t.Style)
	}
	if t.Supported() {
		fmt.Printf("Window:   %#x\n", t.Window)
		if t.Dest != t.Window {
			fmt.Printf("Proxy:    %#x\n", t.Dest)
		}
		fmt.Printf("Resolver: %s\n", t.Resolver)
	}
	if t.Vanished {
		fmt.Println("Window was destroyed while probing")
	}
}
