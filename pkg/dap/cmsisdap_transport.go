package dap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	// Raspberry Pi Debug Probe USB identifiers
	VendorIDRaspberryPi = 0x2E8A
	ProductIDCMSISDAP   = 0x000C

	// Default packet size for CMSIS-DAP v1/v2
	DefaultPacketSize = 64
	DefaultTimeout    = 5 * time.Second
)

// Transport moves CMSIS-DAP command and response packets.
type Transport interface {
	WriteRead(cmd []byte) ([]byte, error)
	GetPacketSize() int
	Close() error
}

// USBTransport handles USB communication with CMSIS-DAP probe
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	done func()

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	timeout    time.Duration

	vid uint16
	pid uint16
}

// NewUSBTransport creates a USB transport for a CMSIS-DAP v2 (bulk) probe. If
// serial is not empty only the probe with that serial number is opened.
func NewUSBTransport(vid, pid uint16, serial string) (*USBTransport, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == vid && uint16(desc.Product) == pid
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("USB error: %w", err)
	}

	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil && serial == "" {
			dev = d
			continue
		}
		if dev == nil {
			if s, serr := d.SerialNumber(); serr == nil && s == serial {
				dev = d
				continue
			}
		}
		d.Close()
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device not found (VID:0x%04X PID:0x%04X serial %q)", vid, pid, serial)
	}

	// Set auto-detach kernel driver (important for Linux)
	if err := dev.SetAutoDetach(true); err != nil {
		// Not fatal on all platforms
		// Continue anyway
	}

	transport := &USBTransport{
		ctx:        ctx,
		dev:        dev,
		packetSize: DefaultPacketSize,
		timeout:    DefaultTimeout,
		vid:        vid,
		pid:        pid,
	}

	// Claim interface and find endpoints
	if err := transport.claimInterface(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}

	return transport, nil
}

// claimInterface finds and claims the CMSIS-DAP vendor interface
func (t *USBTransport) claimInterface() error {
	cfgNum, err := t.dev.ActiveConfigNum()
	if err != nil {
		cfgNum = 1
	}
	cfg, err := t.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	// CMSIS-DAP v2 uses a vendor-specific class (0xFF) interface with two or
	// three bulk endpoints.
	vendorIntfNum := -1
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) > 0 {
			alt := intf.AltSettings[0]
			if alt.Class == gousb.ClassVendorSpec && len(alt.Endpoints) >= 2 {
				vendorIntfNum = intf.Number
				break
			}
		}
	}

	if vendorIntfNum == -1 {
		cfg.Close()
		return fmt.Errorf("no CMSIS-DAP v2 bulk interface (HID-only probes are not supported)")
	}

	intf, err := cfg.Interface(vendorIntfNum, 0)
	if err != nil {
		cfg.Close()
		return fmt.Errorf("failed to claim interface %d: %w", vendorIntfNum, err)
	}
	t.intf = intf
	t.done = func() {
		intf.Close()
		cfg.Close()
	}

	if err := t.findEndpoints(); err != nil {
		t.done()
		t.done = nil
		t.intf = nil
		return err
	}

	return nil
}

// findEndpoints discovers the bulk IN and OUT endpoints
func (t *USBTransport) findEndpoints() error {
	setting := t.intf.Setting

	outAddr := -1
	inAddr := -1
	for _, ep := range setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		// Endpoints is a map; take the lowest numbers. The first IN endpoint
		// carries responses, a second one is SWO.
		if ep.Direction == gousb.EndpointDirectionOut && (outAddr < 0 || ep.Number < outAddr) {
			outAddr = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionIn && (inAddr < 0 || ep.Number < inAddr) {
			inAddr = ep.Number
			t.packetSize = ep.MaxPacketSize
		}
	}

	if outAddr < 0 {
		return fmt.Errorf("bulk OUT endpoint not found")
	}
	if inAddr < 0 {
		return fmt.Errorf("bulk IN endpoint not found")
	}

	epOut, err := t.intf.OutEndpoint(outAddr)
	if err != nil {
		return fmt.Errorf("failed to open OUT endpoint: %w", err)
	}
	t.epOut = epOut

	epIn, err := t.intf.InEndpoint(inAddr)
	if err != nil {
		return fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	t.epIn = epIn

	return nil
}

// Write sends a command packet to the probe
func (t *USBTransport) Write(data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	n, err := t.epOut.WriteContext(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("USB write failed: %w", err)
	}

	return n, nil
}

// Read receives a response packet from the probe
func (t *USBTransport) Read(data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	n, err := t.epIn.ReadContext(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("USB read failed: %w", err)
	}
	return n, nil
}

// WriteRead performs a command/response transaction
func (t *USBTransport) WriteRead(cmd []byte) ([]byte, error) {
	if len(cmd) > t.packetSize {
		return nil, fmt.Errorf("command of %d bytes exceeds packet size %d", len(cmd), t.packetSize)
	}
	if _, err := t.Write(cmd); err != nil {
		return nil, err
	}

	resp := make([]byte, t.packetSize)
	n, err := t.Read(resp)
	if err != nil {
		return nil, err
	}

	return resp[:n], nil
}

// GetPacketSize returns the current packet size
func (t *USBTransport) GetPacketSize() int {
	return t.packetSize
}

// SetPacketSize overrides the packet size, e.g. with the value reported by
// DAP_Info.
func (t *USBTransport) SetPacketSize(size int) {
	if size > 0 {
		t.packetSize = size
	}
}

// SetTimeout sets the read/write timeout
func (t *USBTransport) SetTimeout(timeout time.Duration) {
	t.timeout = timeout
}

// Close releases USB resources
func (t *USBTransport) Close() error {
	if t.done != nil {
		t.done()
		t.done = nil
		t.intf = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
