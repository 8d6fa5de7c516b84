package simtarget

import (
	"context"
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

// Setup prepares a freshly built target, e.g. by installing firmware.
// Goroutines it starts must stop when ctx is cancelled.
type Setup func(ctx context.Context, t *Target) error

// Probe is a simulated debug probe. The chip behind it is created when the
// session announces which variant it expects.
type Probe struct {
	*dap.SimPort

	setup  Setup
	target *Target
	cancel context.CancelFunc
}

// NewProbe returns a probe whose targets are prepared by setup, which may be
// nil.
func NewProbe(setup Setup) *Probe {
	return &Probe{
		SimPort: dap.NewSimPort(nil, 1),
		setup:   setup,
	}
}

// AttachTarget builds the simulated chip for v. Attaching the same variant
// again keeps the existing chip and its memory.
func (p *Probe) AttachTarget(v target.Variant) error {
	if p.target == nil || p.target.Variant().Name != v.Name {
		p.target = New(v)
	}
	p.SetBus(p.target, p.target.NumAPs())

	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	if p.setup != nil {
		if err := p.setup(ctx, p.target); err != nil {
			return fmt.Errorf("simulator setup: %w", err)
		}
	}
	return nil
}

// Target returns the simulated chip, or nil before the first attach.
func (p *Probe) Target() *Target {
	return p.target
}

// Close stops the simulated firmware and disconnects.
func (p *Probe) Close() error {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	return p.SimPort.Close()
}

// DemoFirmware installs an RTT control block at the start of the first RAM
// region with a "Terminal" and a "Log" up-channel and prints a heartbeat on
// channel 0.
func DemoFirmware(interval time.Duration) Setup {
	return func(ctx context.Context, t *Target) error {
		if t.RTTAddress() == 0 {
			ram := t.Variant().RAM()
			if len(ram) == 0 {
				return fmt.Errorf("%s has no RAM", t.Variant().Name)
			}
			if err := t.InstallRTT(ram[0].Start, []string{"Terminal", "Log"}, 512); err != nil {
				return err
			}
		}
		t.StartHeartbeat(ctx, 0, interval)
		return nil
	}
}
