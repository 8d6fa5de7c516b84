package dap

import (
	"testing"

	"github.com/google/gousb"
)

func TestClassifyUSBDevice(t *testing.T) {
	tests := []struct {
		name   string
		vid    gousb.ID
		pid    gousb.ID
		want   ProbeKind
		wantOK bool
	}{
		{"debug probe", 0x2e8a, 0x000c, ProbeKindCMSISDAP, true},
		{"daplink", 0x0d28, 0x0204, ProbeKindCMSISDAP, true},
		{"st-link v2", 0x0483, 0x3748, ProbeKindSTLink, true},
		{"j-link any pid", 0x1366, 0x1015, ProbeKindJLink, true},
		{"unrelated st device", 0x0483, 0x5740, "", false},
		{"keyboard", 0x046d, 0xc31c, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := classifyUSBDevice(&gousb.DeviceDesc{Vendor: tt.vid, Product: tt.pid, Bus: 1, Address: 4})
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if info.Kind != tt.want {
				t.Errorf("kind = %s, want %s", info.Kind, tt.want)
			}
			if info.VendorID != uint16(tt.vid) || info.ProductID != uint16(tt.pid) {
				t.Errorf("ids = %04X:%04X", info.VendorID, info.ProductID)
			}
			if info.Bus != 1 || info.Address != 4 {
				t.Errorf("bus/address = %d/%d", info.Bus, info.Address)
			}
		})
	}
}

func TestProbeInfoLabel(t *testing.T) {
	p := ProbeInfo{Identifier: "CMSIS-DAP v2", VendorID: 0x2e8a, ProductID: 0x000c}
	if got := p.Label(); got != "CMSIS-DAP v2 (pid: 12 vid: 11914)" {
		t.Errorf("Label() = %q", got)
	}
	anon := ProbeInfo{Kind: ProbeKindSTLink, VendorID: 0x0483, ProductID: 0x3748}
	if got := anon.Label(); got != "st-link (0483:3748)" {
		t.Errorf("Label() = %q", got)
	}
}
