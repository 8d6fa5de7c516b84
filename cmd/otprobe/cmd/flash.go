package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flashing"
)

var (
	flashFormat     string
	flashUnderReset bool
	flashReset      bool
)

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "Write a firmware image to the chip",
	Long: `Download an ELF, Intel HEX or UF2 image into the chip's flash and RAM. The format
is taken from the file extension unless --format is given. By default the chip is
attached under reset so the firmware cannot interfere with programming.

Examples:
  otprobe flash --chip STM32F103C8 build/app.elf --reset
  otprobe flash --chip nRF52840_xxAA --format hex app.ihex
  otprobe flash --sim --chip STM32F103C8 app.hex`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	addTargetFlags(flashCmd)

	flashCmd.Flags().StringVarP(&flashFormat, "format", "f", "",
		"image format (elf, hex, uf2); default from the file extension")
	flashCmd.Flags().BoolVar(&flashUnderReset, "under-reset", true,
		"attach with the cores held in reset")
	flashCmd.Flags().BoolVar(&flashReset, "reset", false,
		"reset and run the chip after flashing")
}

func runFlash(cmd *cobra.Command, args []string) error {
	path := args[0]
	format := flashing.FormatFromPath(path)
	if flashFormat != "" {
		f, err := flashing.ParseFormat(flashFormat)
		if err != nil {
			return err
		}
		format = f
	}

	h := newHandler()
	defer h.Close()

	if err := attach(h, flashUnderReset); err != nil {
		return err
	}
	if verbose {
		fmt.Printf("Attached to %s (%d core(s))\n", h.ChipName(), h.CoreCount())
	}

	start := time.Now()
	if err := h.DownloadFile(path, format); err != nil {
		return err
	}
	fmt.Printf("Flashed %s (%s) to %s in %s\n", path, format, h.ChipName(),
		time.Since(start).Round(time.Millisecond))

	if flashReset {
		if err := h.ResetAndRelease(); err != nil {
			return err
		}
		fmt.Println("Chip reset, firmware running.")
	}
	return nil
}
