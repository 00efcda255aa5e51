// cmd/instctl/cmd/ports.go
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"instrument-service/internal/discovery"
	"instrument-service/internal/model"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial and VISA ports",
	Long: `List the ports every configured bus reports, with their metadata.

With --model the ports are checked against the model's name fragment and
USB vendor/product id, and the ones discovery would try first are marked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		iface, _ := cmd.Flags().GetString("interface")
		modelName, _ := cmd.Flags().GetString("model")

		var desc *model.Descriptor
		if modelName != "" {
			d, ok := e.catalog.Lookup(modelName)
			if !ok {
				return fmt.Errorf("unknown model %q", modelName)
			}
			desc = &d
			iface = string(d.Interface)
		}

		ctx, cancel := signalContext()
		defer cancel()

		scanner := discovery.NewScannerManager(e.transports, e.logger)
		var ports []*model.PortInfo
		if iface == "" {
			ports, err = scanner.ScanAll(ctx)
		} else {
			ports, err = scanner.ScanByType(ctx, model.Interface(strings.ToUpper(iface)))
		}
		if err != nil {
			return err
		}

		if len(ports) == 0 {
			fmt.Println("No ports found")
			return nil
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		header := table.Row{"Address", "Interface", "Device", "Metadata"}
		if desc != nil {
			header = append(header, "Targeted")
		}
		t.AppendHeader(header)

		for _, p := range ports {
			device := strings.TrimSpace(p.VendorName + " " + p.ProductName)
			row := table.Row{p.Address, p.Interface, device, p.Metadata}
			if desc != nil {
				mark := ""
				if discovery.MatchesMetadata(*desc, p.Metadata) {
					mark = "yes"
				}
				row = append(row, mark)
			}
			t.AppendRow(row)
		}
		t.AppendFooter(table.Row{fmt.Sprintf("%d port(s)", len(ports))})
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)

	portsCmd.Flags().StringP("interface", "i", "", "Bus to list: serial or visa (default all)")
	portsCmd.Flags().StringP("model", "m", "", "Mark the ports matching this catalog model")
}
