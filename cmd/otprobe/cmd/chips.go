package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var chipsCmd = &cobra.Command{
	Use:   "chips [filter]",
	Short: "List supported chip variants",
	Long: `Print the chip variants in the built-in database. An optional filter keeps the
names containing it, ignoring case.

Examples:
  otprobe chips
  otprobe chips nrf52`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChips,
}

func init() {
	rootCmd.AddCommand(chipsCmd)
}

func runChips(cmd *cobra.Command, args []string) error {
	h := newHandler()

	var names []string
	if len(args) == 1 {
		names = h.FilterChips(args[0])
	} else {
		names = h.ChipVariants()
	}
	if len(names) == 0 {
		fmt.Println("No chips match.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}
