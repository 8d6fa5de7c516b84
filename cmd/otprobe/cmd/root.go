package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/handler"
	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/simtarget"
)

// version is overridden at build time with -ldflags "-X ...cmd.version=...".
var version = "0.3.0"

var (
	// Global flags
	verbose   bool
	logLevel  string
	simulator bool

	// Target selection, shared by the commands that attach
	probeIndex int
	chipName   string
	speedHz    int
)

// simHeartbeat is how often the simulated firmware prints on RTT channel 0.
const simHeartbeat = 100 * time.Millisecond

var rootCmd = &cobra.Command{
	Use:   "otprobe",
	Short: "SWD debug probe tool: flash, reset and RTT streaming",
	Long: `otprobe drives CMSIS-DAP and ST-Link debug probes over SWD. It flashes firmware images
(ELF, Intel HEX, UF2) into ARM Cortex-M chips, resets them and streams SEGGER RTT
output from the running firmware.

Examples:
  otprobe probes                                        # List connected probes
  otprobe chips stm32f1                                 # Search the chip database
  otprobe flash --chip STM32F103C8 firmware.elf --reset # Flash and run
  otprobe rtt --chip STM32F103C8 --elf firmware.elf     # Stream RTT channel 0
  otprobe rtt --sim --chip nRF52840_xxAA --tui          # Try the monitor without hardware`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logLevel
		if level == "" && verbose {
			level = "debug"
		}
		return logging.Initialize(level)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error); defaults to $"+logging.LogLevelEnvVar)
	rootCmd.PersistentFlags().BoolVar(&simulator, "sim", false,
		"use the built-in simulated probe instead of USB hardware")
}

// addTargetFlags registers the probe and chip selection flags on c.
func addTargetFlags(c *cobra.Command) {
	c.Flags().IntVarP(&probeIndex, "probe", "p", 0, "probe index as listed by 'otprobe probes'")
	c.Flags().StringVarP(&chipName, "chip", "c", "", "chip variant, e.g. STM32F103C8")
	c.Flags().IntVar(&speedHz, "speed", 0, "SWD clock in Hz (default: probe default)")
	c.MarkFlagRequired("chip")
}

func newHandler() *handler.Handler {
	opts := []handler.Option{
		handler.WithLogger(logging.Named("handler")),
		handler.WithSpeed(speedHz),
		handler.WithOpener(handler.DefaultOpener{
			SimSetup: simtarget.DemoFirmware(simHeartbeat),
			SpeedHz:  speedHz,
			Logger:   logging.GetLogger(),
		}),
	}
	if simulator {
		opts = append(opts, handler.WithLister(handler.SimulatorLister{}))
	}
	return handler.New(opts...)
}

// attach lists the probes and attaches to the selected one.
func attach(h *handler.Handler, underReset bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	probes := h.RefreshProbes(ctx)
	if len(probes) == 0 {
		return errors.New("no debug probes found (use --sim for the simulator)")
	}
	if verbose && probeIndex >= 0 && probeIndex < len(probes) {
		fmt.Printf("Using probe %s\n", probes[probeIndex].Label())
	}

	if underReset {
		return h.AttachUnderReset(probeIndex, chipName)
	}
	return h.Attach(probeIndex, chipName)
}
