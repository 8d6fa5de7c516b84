package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/handler"
	"github.com/OpenTraceLab/OpenTraceProbe/internal/monitor"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/rtt"
)

const maxRTTTimeoutMs = 10000

var (
	rttElf        string
	rttAddress    string
	rttScanRanges string
	rttCore       int
	rttChannel    int
	rttTimeoutMs  int
	rttTUI        bool
	rttTimestamps bool
	rttDuration   time.Duration
	rttUnderReset bool
)

var rttCmd = &cobra.Command{
	Use:   "rtt",
	Short: "Stream SEGGER RTT output from the running firmware",
	Long: `Attach to the chip without stopping it, find the RTT control block and print an
up-channel until interrupted.

The control block is located, in order of preference, at --address, at the
_SEGGER_RTT symbol of --elf, or by scanning RAM (or the --scan-ranges list).
Firmware that sets up RTT late after boot is retried for --timeout milliseconds.

Examples:
  otprobe rtt --chip STM32F103C8 --elf build/app.elf
  otprobe rtt --chip nRF52840_xxAA --address 0x20000410 --channel 1
  otprobe rtt --chip STM32F407VG --scan-ranges "0x20000000..0x20020000, 0x10000000+0x10000" --tui
  otprobe rtt --sim --chip STM32F103C8 --timestamps --duration 2s`,
	Args: cobra.NoArgs,
	RunE: runRTT,
}

func init() {
	rootCmd.AddCommand(rttCmd)
	addTargetFlags(rttCmd)

	f := rttCmd.Flags()
	f.StringVar(&rttElf, "elf", "", "firmware ELF file carrying the _SEGGER_RTT symbol")
	f.StringVar(&rttAddress, "address", "", "control block address (overrides --elf)")
	f.StringVar(&rttScanRanges, "scan-ranges", "", `memory ranges to scan, e.g. "0x20000000..0x20001000, 0x10000000+0x400"`)
	f.IntVar(&rttCore, "core", 0, "core used for memory access")
	f.IntVar(&rttChannel, "channel", 0, "up-channel to print")
	f.IntVar(&rttTimeoutMs, "timeout", 1000, "how long to retry finding the control block, in ms (0-10000)")
	f.BoolVar(&rttTUI, "tui", false, "show the interactive monitor")
	f.BoolVar(&rttTimestamps, "timestamps", false, "prefix each line with the time it arrived")
	f.DurationVar(&rttDuration, "duration", 0, "stop after this long (default: until interrupted)")
	f.BoolVar(&rttUnderReset, "under-reset", false, "attach under reset to capture output from boot")

	rttCmd.MarkFlagsMutuallyExclusive("address", "scan-ranges")
}

func scanRegionOverride() (*uint64, []rtt.Range, error) {
	if rttAddress != "" {
		addr, err := strconv.ParseUint(rttAddress, 0, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --address %q: %w", rttAddress, err)
		}
		return &addr, nil, nil
	}
	if rttScanRanges != "" {
		ranges, err := rtt.ParseRanges(rttScanRanges)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --scan-ranges: %w", err)
		}
		return nil, ranges, nil
	}
	return nil, nil, nil
}

func runRTT(cmd *cobra.Command, args []string) error {
	if rttTimeoutMs < 0 || rttTimeoutMs > maxRTTTimeoutMs {
		return fmt.Errorf("--timeout must be between 0 and %d ms", maxRTTTimeoutMs)
	}
	override, ranges, err := scanRegionOverride()
	if err != nil {
		return err
	}

	h := newHandler()
	defer h.Close()

	if err := attach(h, rttUnderReset); err != nil {
		return err
	}

	region, err := h.DeriveScanRegion(rttElf, override)
	if err != nil {
		return err
	}
	if ranges != nil {
		region = rtt.Ranges(ranges...)
		h.SetScanRegion(region)
	}
	if verbose {
		fmt.Printf("Looking for the RTT control block: %s\n", region)
	}

	if err := h.AttachRTTWithRetry(rttCore, time.Duration(rttTimeoutMs)*time.Millisecond); err != nil {
		return err
	}
	if !h.RTTAttached() {
		return fmt.Errorf("no RTT control block found on %s (searched %s)", h.ChipName(), region)
	}
	if rttChannel < 0 || rttChannel >= h.UpChannelCount() {
		return fmt.Errorf("--channel %d out of range, firmware has %d up-channel(s)", rttChannel, h.UpChannelCount())
	}
	if verbose {
		for _, ch := range h.UpChannels() {
			fmt.Printf("  up %d: %q (%d bytes)\n", ch.Number, ch.Name, ch.BufferSize)
		}
	}

	cfg := monitor.Config{Core: rttCore, Channel: rttChannel, Timestamps: rttTimestamps}
	if rttTUI {
		w := handler.NewWorker(h)
		defer w.Close()
		return monitor.Run(w, cfg)
	}
	return stream(h, cfg)
}

// stream prints the channel to stdout until interrupted or --duration ends.
func stream(h *handler.Handler, cfg monitor.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if rttDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rttDuration)
		defer cancel()
	}

	stamper := monitor.Stamper{Timestamps: cfg.Timestamps}
	buf := make([]byte, 4096)
	ticker := time.NewTicker(monitor.DefaultInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for {
			n, err := h.ReadChannel(cfg.Core, cfg.Channel, buf)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			fmt.Print(stamper.Format(buf[:n]))
		}
	}
}
