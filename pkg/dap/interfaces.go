package dap

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// ProbeKind categorizes debug probe families.
type ProbeKind string

const (
	ProbeKindCMSISDAP ProbeKind = "cmsis-dap"
	ProbeKindSTLink   ProbeKind = "st-link"
	ProbeKindJLink    ProbeKind = "j-link"
	ProbeKindUnknown  ProbeKind = "unknown"
	ProbeKindSim      ProbeKind = "simulator"
)

// ProbeInfo describes a detected debug probe. It carries everything needed to
// open the probe again later.
type ProbeInfo struct {
	Identifier string
	Kind       ProbeKind
	VendorID   uint16
	ProductID  uint16
	Serial     string
	Bus        int
	Address    int
}

// Label returns a user-friendly description for the probe.
func (i ProbeInfo) Label() string {
	if i.Identifier != "" {
		return fmt.Sprintf("%s (pid: %d vid: %d)", i.Identifier, i.ProductID, i.VendorID)
	}
	return fmt.Sprintf("%s (%04X:%04X)", string(i.Kind), i.VendorID, i.ProductID)
}

// SimulatorProbe is the descriptor used for the built-in simulated probe.
var SimulatorProbe = ProbeInfo{
	Identifier: "Simulator (no hardware)",
	Kind:       ProbeKindSim,
}

// DiscoverProbes enumerates connected USB devices that match known debug probe
// VID/PID pairs. Probes that cannot be opened (missing permissions) are still
// reported using the descriptor alone; opening them is left to the caller so the
// failure is reported where it is actionable.
func DiscoverProbes(ctx context.Context) ([]ProbeInfo, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	var results []ProbeInfo
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		info, ok := classifyUSBDevice(desc)
		if !ok {
			return false
		}
		results = append(results, info)
		return true
	})
	for _, dev := range devs {
		for i := range results {
			if results[i].Bus != dev.Desc.Bus || results[i].Address != dev.Desc.Address {
				continue
			}
			if serial, serr := dev.SerialNumber(); serr == nil {
				results[i].Serial = serial
			}
			if product, perr := dev.Product(); perr == nil && product != "" {
				results[i].Identifier = product
			}
		}
		dev.Close()
	}
	if err != nil && err != gousb.ErrorAccess {
		return results, err
	}

	return results, nil
}

func classifyUSBDevice(desc *gousb.DeviceDesc) (ProbeInfo, bool) {
	for _, known := range knownProbes {
		if uint16(desc.Vendor) != known.VendorID {
			continue
		}
		if known.ProductID != 0 && uint16(desc.Product) != known.ProductID {
			continue
		}
		return ProbeInfo{
			Identifier: known.Description,
			Kind:       known.Kind,
			VendorID:   uint16(desc.Vendor),
			ProductID:  uint16(desc.Product),
			Bus:        desc.Bus,
			Address:    desc.Address,
		}, true
	}
	return ProbeInfo{}, false
}

type knownUSBDevice struct {
	VendorID    uint16
	ProductID   uint16 // 0 matches every product of the vendor
	Kind        ProbeKind
	Description string
}

var knownProbes = []knownUSBDevice{
	{VendorID: VendorIDRaspberryPi, ProductID: ProductIDCMSISDAP, Kind: ProbeKindCMSISDAP, Description: "Raspberry Pi Debug Probe (CMSIS-DAP)"},
	{VendorID: 0x0d28, ProductID: 0x0204, Kind: ProbeKindCMSISDAP, Description: "DAPLink CMSIS-DAP"},
	{VendorID: 0xc251, ProductID: 0xf001, Kind: ProbeKindCMSISDAP, Description: "Keil ULINKplus CMSIS-DAP"},
	{VendorID: 0x1fc9, ProductID: 0x0090, Kind: ProbeKindCMSISDAP, Description: "NXP LPC-Link2 CMSIS-DAP"},
	{VendorID: 0x0483, ProductID: 0x3748, Kind: ProbeKindSTLink, Description: "ST-Link/V2"},
	{VendorID: 0x0483, ProductID: 0x374b, Kind: ProbeKindSTLink, Description: "ST-Link/V2-1"},
	{VendorID: 0x0483, ProductID: 0x374f, Kind: ProbeKindSTLink, Description: "STLINK-V3"},
	{VendorID: 0x1366, ProductID: 0, Kind: ProbeKindJLink, Description: "SEGGER J-Link"},
}
