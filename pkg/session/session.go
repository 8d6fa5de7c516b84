// Package session binds a debug probe to a chip variant and exposes the
// chip's cores.
package session

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/arm"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flashing"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/rtt"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

// TargetAttacher is implemented by ports that need to know the chip before
// connecting, such as the simulator probe.
type TargetAttacher interface {
	AttachTarget(v target.Variant) error
}

// Options control how a session is attached.
type Options struct {
	// UnderReset holds nRESET asserted while debug is enabled so the cores
	// stop on their first instruction.
	UnderReset bool
	// SpeedHz sets the SWD clock; zero keeps the probe default.
	SpeedHz int
	Logger  *zap.Logger
}

// CoreInfo describes a core for listing.
type CoreInfo struct {
	Index int
	Name  string
	Type  string
	AP    uint8
}

// Link is an opened probe. Register-level probes implement dap.Port; probes
// that only offer memory access to the default access port implement
// MemoryLink.
type Link interface {
	Close() error
}

// MemoryLink is a probe whose firmware hides the DP and AP registers, such
// as an ST-Link. Only cores on access port 0 can be reached through it.
type MemoryLink interface {
	arm.Bus
	Close() error
}

// Session is an attached debug connection. It owns the link.
type Session struct {
	link    Link
	dp      *arm.DebugPort
	variant target.Variant
	cores   []*arm.Core
	log     *zap.Logger
}

// ErrNoCore is returned for an out of range core index.
var ErrNoCore = errors.New("session: no such core")

const resetHaltTimeout = 500 * time.Millisecond

// Attach connects to the chip behind link, which must be a dap.Port or a
// MemoryLink. On failure the link is left open for the caller to close.
func Attach(link Link, v target.Variant, opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("chip", v.Name))

	if ta, ok := link.(TargetAttacher); ok {
		if err := ta.AttachTarget(v); err != nil {
			return nil, err
		}
	}

	s := &Session{link: link, variant: v, log: log}
	var err error
	switch l := link.(type) {
	case dap.Port:
		err = s.attachPort(l, opts)
	case MemoryLink:
		err = s.attachMemory(l, opts)
	default:
		err = fmt.Errorf("session: unsupported link %T", link)
	}
	if err != nil {
		return nil, err
	}

	log.Info("session attached", zap.Int("cores", len(s.cores)), zap.Bool("under_reset", opts.UnderReset))
	return s, nil
}

func (s *Session) attachPort(port dap.Port, opts Options) error {
	if opts.SpeedHz > 0 {
		if err := port.SetSpeed(opts.SpeedHz); err != nil {
			return err
		}
	}
	if opts.UnderReset {
		if err := port.SetReset(true); err != nil {
			return fmt.Errorf("assert reset: %w", err)
		}
	}
	if err := s.connect(port, opts.UnderReset); err != nil {
		if opts.UnderReset {
			port.SetReset(false)
		}
		return err
	}
	if opts.UnderReset {
		if err := port.SetReset(false); err != nil {
			return fmt.Errorf("release reset: %w", err)
		}
		return s.catchResetVector()
	}
	return nil
}

// attachMemory has no reset line to drive; attaching under reset is a
// system reset with the reset vector caught instead.
func (s *Session) attachMemory(bus MemoryLink, opts Options) error {
	if opts.SpeedHz > 0 {
		s.log.Debug("clock is fixed when the probe is opened", zap.Int("speed_hz", opts.SpeedHz))
	}
	for i, c := range s.variant.Cores {
		if c.AP != bus.AP() {
			return fmt.Errorf("core %d (%s): access port %d not reachable through this probe", i, c.Name, c.AP)
		}
		if err := s.addCore(i, c, bus, false); err != nil {
			return err
		}
	}
	if opts.UnderReset && len(s.cores) > 0 {
		return s.cores[0].ResetAndHalt()
	}
	return nil
}

func (s *Session) connect(port dap.Port, underReset bool) error {
	if err := port.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.dp = arm.NewDebugPort(port)
	idr, err := s.dp.Init()
	if err != nil {
		return err
	}
	s.log.Debug("debug port up", zap.String("dpidr", fmt.Sprintf("0x%08X", idr)),
		zap.Stringer("dp", arm.ParseDPIDR(idr)))

	for i, c := range s.variant.Cores {
		apidr, err := s.dp.APIDR(c.AP)
		if err != nil {
			return fmt.Errorf("core %d (%s): read AP %d IDR: %w", i, c.Name, c.AP, err)
		}
		if apidr == 0 {
			return fmt.Errorf("core %d (%s): no access port %d", i, c.Name, c.AP)
		}
		s.log.Debug("access port", zap.Int("core", i), zap.Uint8("ap", c.AP),
			zap.String("ap_designer", arm.DesignerName(arm.APDesigner(apidr))))
		if err := s.addCore(i, c, arm.NewMemAP(s.dp, c.AP), underReset); err != nil {
			return err
		}
	}
	return nil
}

// addCore checks the CPUID behind bus and enables debug, requesting a halt
// and arming the reset vector catch when attaching under reset.
func (s *Session) addCore(i int, c target.Core, bus arm.Bus, underReset bool) error {
	core := arm.NewCore(i, c.Name, c.Type, bus)
	cpuid, err := core.CPUID()
	if err != nil {
		return fmt.Errorf("core %d (%s): read CPUID: %w", i, c.Name, err)
	}
	id := arm.ParseCPUID(cpuid)
	if !id.IsARM() {
		return fmt.Errorf("core %d (%s): unexpected CPUID 0x%08X", i, c.Name, cpuid)
	}

	if underReset {
		if err := core.Write32(arm.RegDHCSR, arm.DHCSRKey|arm.DHCSRDebugEn|arm.DHCSRHalt); err != nil {
			return fmt.Errorf("core %d: request halt: %w", i, err)
		}
		if err := core.SetVectorCatch(true); err != nil {
			return fmt.Errorf("core %d: vector catch: %w", i, err)
		}
	} else if err := core.EnableDebug(); err != nil {
		return fmt.Errorf("core %d: enable debug: %w", i, err)
	}

	s.log.Debug("core found", zap.Int("core", i), zap.String("name", c.Name), zap.Stringer("cpu", id))
	s.cores = append(s.cores, core)
	return nil
}

// catchResetVector waits for every core to stop at its reset vector and
// disarms the catch.
func (s *Session) catchResetVector() error {
	for _, c := range s.cores {
		c.Invalidate()
		if err := c.WaitHalted(resetHaltTimeout); err != nil {
			return err
		}
		if err := c.SetVectorCatch(false); err != nil {
			return fmt.Errorf("core %d: vector catch: %w", c.Index, err)
		}
	}
	return nil
}

// Variant returns the attached chip.
func (s *Session) Variant() target.Variant {
	return s.variant
}

// CoreCount returns the number of cores.
func (s *Session) CoreCount() int {
	return len(s.cores)
}

// Core returns core i.
func (s *Session) Core(i int) (*arm.Core, error) {
	if i < 0 || i >= len(s.cores) {
		return nil, fmt.Errorf("%w: %d (chip has %d)", ErrNoCore, i, len(s.cores))
	}
	return s.cores[i], nil
}

// Cores describes every core in index order.
func (s *Session) Cores() []CoreInfo {
	out := make([]CoreInfo, len(s.cores))
	for i, c := range s.cores {
		out[i] = CoreInfo{Index: i, Name: c.Name, Type: c.Type, AP: c.AP()}
	}
	return out
}

// RAMRanges returns the chip's RAM as RTT scan ranges.
func (s *Session) RAMRanges() []rtt.Range {
	var out []rtt.Range
	for _, r := range s.variant.RAM() {
		out = append(out, rtt.Range{Start: r.Start, End: r.End()})
	}
	return out
}

// ResetCore resets core i and lets it run.
func (s *Session) ResetCore(i int) error {
	c, err := s.Core(i)
	if err != nil {
		return err
	}
	return c.Reset()
}

// Download halts core 0 and writes the image at path to the chip.
func (s *Session) Download(path string, format flashing.Format) error {
	img, err := flashing.LoadFile(path, format)
	if err != nil {
		return err
	}
	return s.DownloadImage(img)
}

// DownloadImage halts core 0 and writes img to the chip.
func (s *Session) DownloadImage(img *flashing.Image) error {
	if len(s.cores) == 0 {
		return ErrNoCore
	}
	core := s.cores[0]
	if err := core.Halt(); err != nil {
		return err
	}
	s.log.Info("downloading", zap.Int("segments", len(img.Segments)), zap.Int("bytes", img.Size()))
	if err := flashing.Download(core, s.variant, img, s.log); err != nil {
		return err
	}
	s.log.Info("download complete")
	return nil
}

// Close releases debug control of the cores and closes the port.
func (s *Session) Close() error {
	for _, c := range s.cores {
		if err := c.Detach(); err != nil {
			s.log.Debug("detach failed", zap.Int("core", c.Index), zap.Error(err))
		}
	}
	s.cores = nil
	return s.link.Close()
}
