package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/pawrgate/internal/publish"
	"github.com/srg/pawrgate/internal/radio"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode a captured sensor response",
	Long: `Decode the hex dump of a read-sensor-values response into the JSON
message the gateway would publish.

The dump may start with the [slot][op] header of a slot response; pass
--records when it holds only the sensor records.`,
	Example: `  pawrgate decode 0001 05166e2a5808 05166f2a7017 0416192a5a
  pawrgate decode --records --address 00:0b:57:00:00:01 05166e2a580805166f2a7017`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

var (
	decodeAddress string
	decodeRecords bool
)

func init() {
	decodeCmd.Flags().StringVarP(&decodeAddress, "address", "a", "00:00:00:00:00:00", "Address reported in the message")
	decodeCmd.Flags().BoolVarP(&decodeRecords, "records", "r", false, "Input holds sensor records only, no slot header")
}

func runDecode(cmd *cobra.Command, args []string) error {
	raw := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(strings.Join(args, ""))
	data, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("invalid hex input: %w", err)
	}

	cmd.SilenceUsage = true

	records := data
	if !decodeRecords {
		report := radio.ResponseReport{Data: data}
		op, ok := report.Op()
		if !ok {
			return fmt.Errorf("response too short: %d bytes", len(data))
		}
		if op != radio.OpReadSensorValues {
			return fmt.Errorf("response carries %s, not sensor values", op)
		}
		records = report.Payload()
	}

	m, err := publish.NewMessage(records, decodeAddress, time.Now())
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(m)
}
