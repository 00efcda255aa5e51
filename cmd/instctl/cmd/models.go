// cmd/instctl/cmd/models.go
package cmd

import (
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"instrument-service/internal/model"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the instrument catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Model", "Manufacturer", "Type", "Interface", "USB ID", "Probe", "Driver"})

		for _, desc := range e.catalog.Descriptors() {
			drv := "generic"
			if e.registry.IsSupported(desc) {
				drv = "model"
			}
			t.AppendRow(table.Row{
				desc.Model,
				desc.Manufacturer,
				desc.Type,
				desc.Interface,
				usbID(desc),
				probeText(desc),
				drv,
			})
		}
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func usbID(desc model.Descriptor) string {
	if !desc.HasUSBID() {
		return ""
	}
	vid, pid := "*", "*"
	if desc.VendorID != nil {
		vid = desc.VendorID.String()
	}
	if desc.ProductID != nil {
		pid = desc.ProductID.String()
	}
	return vid + ":" + pid
}

func probeText(desc model.Descriptor) string {
	probe := desc.ProbeCmd + " => " + desc.ExpectedResponse
	if desc.SerialCmd != "" {
		probe += ", serial via " + desc.SerialCmd
	}
	return strings.TrimSpace(probe)
}
