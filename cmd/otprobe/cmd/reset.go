package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset every core of the chip",
	Long: `Attach to the chip, reset each core in order and let the firmware run. The first
core that fails to reset stops the sequence.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
	addTargetFlags(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	h := newHandler()
	defer h.Close()

	if err := attach(h, false); err != nil {
		return err
	}
	chip, cores := h.ChipName(), h.CoreCount()
	if err := h.ResetAndRelease(); err != nil {
		return err
	}
	fmt.Printf("Reset %d core(s) of %s\n", cores, chip)
	return nil
}
