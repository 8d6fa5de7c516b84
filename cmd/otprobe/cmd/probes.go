package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List connected debug probes",
	Long: `Scan the host for debug probes (CMSIS-DAP, ST-Link, J-Link) and print them with
the index used by --probe. CMSIS-DAP and ST-Link probes can be opened;
ST-Link only reaches cores on access port 0.`,
	RunE: runProbes,
}

func init() {
	rootCmd.AddCommand(probesCmd)
}

func runProbes(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := newHandler()
	probes := h.RefreshProbes(ctx)
	if len(probes) == 0 {
		fmt.Println("No probes found.")
		return nil
	}

	fmt.Println("Detected probes:")
	for i, p := range probes {
		fmt.Printf("  [%d] %s [%s]", i, p.Label(), p.Kind)
		if p.Serial != "" {
			fmt.Printf(" serial %s", p.Serial)
		}
		fmt.Println()
	}
	return nil
}
