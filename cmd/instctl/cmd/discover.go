// cmd/instctl/cmd/discover.go
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"instrument-service/pkg/driver"
)

var discoverCmd = &cobra.Command{
	Use:   "discover <model>",
	Short: "Find an instrument of a catalog model",
	Long: `Probe the ports of the model's bus until one answers with the model's
identity. Ports whose metadata matches the model are tried first, then every
other free port. With --serial only the unit with that serial is accepted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		serial, _ := cmd.Flags().GetString("serial")
		ctx, cancel := signalContext()
		defer cancel()

		return e.withInstrument(ctx, args[0], serial, func(drv driver.InstrumentDriver) error {
			info := drv.GetInstrumentInfo()

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendRows([]table.Row{
				{"Model", info.Model},
				{"Manufacturer", info.Manufacturer},
				{"Type", info.Type},
				{"Device ID", info.DeviceID},
				{"Address", info.Address},
				{"Interface", info.Interface},
			})
			if info.Speed > 0 {
				t.AppendRow(table.Row{"Speed", info.Speed})
			}
			t.AppendRow(table.Row{"Actions", strings.Join(drv.Actions(), ", ")})
			t.Render()
			return nil
		})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <model> <command>",
	Short: "Send a command and print the instrument's reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		serial, _ := cmd.Flags().GetString("serial")
		ctx, cancel := signalContext()
		defer cancel()

		return e.withInstrument(ctx, args[0], serial, func(drv driver.InstrumentDriver) error {
			resp, err := drv.Query(ctx, args[1])
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <model> <command>",
	Short: "Send a command that the instrument acknowledges with Ok",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close()

		serial, _ := cmd.Flags().GetString("serial")
		ctx, cancel := signalContext()
		defer cancel()

		return e.withInstrument(ctx, args[0], serial, func(drv driver.InstrumentDriver) error {
			if err := drv.Send(ctx, args[1]); err != nil {
				return err
			}
			fmt.Println("Ok")
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{discoverCmd, queryCmd, sendCmd} {
		c.Flags().StringP("serial", "s", "", "Accept only the unit with this serial number")
		rootCmd.AddCommand(c)
	}
}
