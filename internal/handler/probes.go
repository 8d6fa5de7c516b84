package handler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/session"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/simtarget"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/stlink"
)

// ProbeLister enumerates the probes attached to the host.
type ProbeLister interface {
	ListProbes(ctx context.Context) ([]dap.ProbeInfo, error)
}

// ProbeListerFunc adapts a function to ProbeLister.
type ProbeListerFunc func(ctx context.Context) ([]dap.ProbeInfo, error)

func (f ProbeListerFunc) ListProbes(ctx context.Context) ([]dap.ProbeInfo, error) {
	return f(ctx)
}

// ProbeOpener opens a listed probe. The link is a dap.Port or a
// session.MemoryLink.
type ProbeOpener interface {
	OpenProbe(info dap.ProbeInfo) (session.Link, error)
}

// ProbeOpenerFunc adapts a function to ProbeOpener.
type ProbeOpenerFunc func(info dap.ProbeInfo) (session.Link, error)

func (f ProbeOpenerFunc) OpenProbe(info dap.ProbeInfo) (session.Link, error) {
	return f(info)
}

// USBLister lists USB debug probes.
type USBLister struct{}

func (USBLister) ListProbes(ctx context.Context) (probes []dap.ProbeInfo, err error) {
	// gousb panics when libusb cannot be initialised
	defer func() {
		if r := recover(); r != nil {
			probes, err = nil, fmt.Errorf("USB unavailable: %v", r)
		}
	}()
	return dap.DiscoverProbes(ctx)
}

// SimulatorLister lists only the simulated probe.
type SimulatorLister struct{}

func (SimulatorLister) ListProbes(context.Context) ([]dap.ProbeInfo, error) {
	return []dap.ProbeInfo{dap.SimulatorProbe}, nil
}

// DefaultOpener opens CMSIS-DAP probes over USB, ST-Link probes through
// gostlink and the simulator probe. J-Link probes are listed but cannot be
// opened.
type DefaultOpener struct {
	// SimSetup prepares simulated chips, e.g. with simtarget.DemoFirmware.
	SimSetup simtarget.Setup
	// SpeedHz is the ST-Link SWD clock, which is fixed when the probe is
	// opened. Zero selects stlink.DefaultSpeedKHz.
	SpeedHz int
	Logger  *zap.Logger
}

func (o DefaultOpener) OpenProbe(info dap.ProbeInfo) (session.Link, error) {
	switch info.Kind {
	case dap.ProbeKindCMSISDAP:
		adapter, err := dap.NewCMSISDAPAdapter(info.VendorID, info.ProductID, info.Serial)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case dap.ProbeKindSTLink:
		log := o.Logger
		if log == nil {
			log = zap.NewNop()
		}
		link, err := stlink.Open(info.Serial, o.SpeedHz/1000, log.Named("stlink"))
		if err != nil {
			return nil, err
		}
		return link, nil
	case dap.ProbeKindSim:
		return simtarget.NewProbe(o.SimSetup), nil
	default:
		return nil, fmt.Errorf("probe type %s not supported", info.Kind)
	}
}
