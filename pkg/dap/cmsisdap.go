package dap

import (
	"fmt"
	"sync"
)

// CMSISDAPAdapter implements the Port interface for CMSIS-DAP probes in SWD
// mode.
type CMSISDAPAdapter struct {
	transport Transport
	protocol  *CMSISDAPProtocol

	info      AdapterInfo
	speedHz   int
	connected bool

	mu sync.Mutex // Protect concurrent access
}

// NewCMSISDAPAdapter opens the CMSIS-DAP probe with the given USB identifiers
// and queries its information. The SWD link is brought up by Connect.
func NewCMSISDAPAdapter(vid, pid uint16, serial string) (*CMSISDAPAdapter, error) {
	transport, err := NewUSBTransport(vid, pid, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to open USB device: %w", err)
	}

	adapter, err := newCMSISDAPAdapter(transport)
	if err != nil {
		transport.Close()
		return nil, err
	}
	if size := adapter.reportedPacketSize(); size > 0 {
		transport.SetPacketSize(size)
		adapter.protocol.PacketSize = size
	}
	return adapter, nil
}

func newCMSISDAPAdapter(transport Transport) (*CMSISDAPAdapter, error) {
	adapter := &CMSISDAPAdapter{
		transport: transport,
		protocol:  NewCMSISDAPProtocol(transport.GetPacketSize()),
		speedHz:   1_000_000, // Default 1 MHz
	}

	if err := adapter.queryInfo(); err != nil {
		return nil, fmt.Errorf("failed to query device info: %w", err)
	}
	return adapter, nil
}

// queryInfo retrieves device information from the probe
func (a *CMSISDAPAdapter) queryInfo() error {
	cmd := a.protocol.EncodeInfo(InfoVendorID)
	resp, err := a.transport.WriteRead(cmd)
	if err != nil {
		return err
	}
	vendor, _ := a.protocol.DecodeInfo(resp)

	cmd = a.protocol.EncodeInfo(InfoProductID)
	resp, _ = a.transport.WriteRead(cmd)
	product, _ := a.protocol.DecodeInfo(resp)

	cmd = a.protocol.EncodeInfo(InfoSerialNum)
	resp, _ = a.transport.WriteRead(cmd)
	serial, _ := a.protocol.DecodeInfo(resp)

	cmd = a.protocol.EncodeInfo(InfoFirmwareVer)
	resp, _ = a.transport.WriteRead(cmd)
	firmware, _ := a.protocol.DecodeInfo(resp)

	a.info = AdapterInfo{
		Name:         "CMSIS-DAP Probe",
		Vendor:       vendor,
		Model:        product,
		SerialNumber: serial,
		Firmware:     firmware,
		MinFrequency: 1000,       // 1 kHz
		MaxFrequency: 24_000_000, // 24 MHz
		SupportsSRST: true,
	}

	return nil
}

func (a *CMSISDAPAdapter) reportedPacketSize() int {
	resp, err := a.transport.WriteRead(a.protocol.EncodeInfo(InfoPacketSize))
	if err != nil {
		return 0
	}
	size, err := a.protocol.DecodeInfoUint16(resp)
	if err != nil {
		return 0
	}
	return int(size)
}

// Info returns adapter capabilities
func (a *CMSISDAPAdapter) Info() (AdapterInfo, error) {
	return a.info, nil
}

// Connect selects SWD, configures transfers and switches the target's SWJ-DP
// from JTAG to SWD.
func (a *CMSISDAPAdapter) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp, err := a.transport.WriteRead(a.protocol.EncodeConnect(PortSWD))
	if err != nil {
		return err
	}
	port, err := a.protocol.DecodeConnect(resp)
	if err != nil {
		return err
	}
	if port != PortSWD {
		return fmt.Errorf("failed to connect to SWD (got port %d)", port)
	}
	a.connected = true

	if err := a.setClock(a.speedHz); err != nil {
		return err
	}

	resp, err = a.transport.WriteRead(a.protocol.EncodeTransferConfigure(0, 64, 0))
	if err != nil {
		return err
	}
	if err := a.protocol.DecodeTransferConfigure(resp); err != nil {
		return err
	}

	resp, err = a.transport.WriteRead(a.protocol.EncodeSWDConfigure(0))
	if err != nil {
		return err
	}
	if err := a.protocol.DecodeSWDConfigure(resp); err != nil {
		return err
	}

	return a.switchToSWD()
}

// switchToSWD sends line reset, the JTAG-to-SWD select sequence, another line
// reset and idle cycles.
func (a *CMSISDAPAdapter) switchToSWD() error {
	lineReset := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	sequences := []struct {
		bits int
		data []byte
	}{
		{56, lineReset},
		{16, []byte{0x9E, 0xE7}},
		{56, lineReset},
		{8, []byte{0x00}},
	}

	for _, seq := range sequences {
		resp, err := a.transport.WriteRead(a.protocol.EncodeSWJSequence(seq.bits, seq.data))
		if err != nil {
			return fmt.Errorf("SWJ sequence failed: %w", err)
		}
		if err := a.protocol.DecodeSWJSequence(resp); err != nil {
			return err
		}
	}
	return nil
}

func (a *CMSISDAPAdapter) transfer(reqs []TransferRequest) ([]uint32, error) {
	if !a.connected {
		return nil, ErrNotConnected
	}
	resp, err := a.transport.WriteRead(a.protocol.EncodeTransfer(reqs))
	if err != nil {
		return nil, err
	}
	return a.protocol.DecodeTransfer(resp, reqs)
}

func (a *CMSISDAPAdapter) readReg(apndp bool, addr uint8) (uint32, error) {
	if err := ValidateRegister(addr); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	values, err := a.transfer([]TransferRequest{{APnDP: apndp, Read: true, Addr: addr}})
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

func (a *CMSISDAPAdapter) writeReg(apndp bool, addr uint8, value uint32) error {
	if err := ValidateRegister(addr); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.transfer([]TransferRequest{{APnDP: apndp, Addr: addr, Value: value}})
	return err
}

// ReadDP reads a Debug Port register
func (a *CMSISDAPAdapter) ReadDP(addr uint8) (uint32, error) {
	return a.readReg(false, addr)
}

// WriteDP writes a Debug Port register
func (a *CMSISDAPAdapter) WriteDP(addr uint8, value uint32) error {
	return a.writeReg(false, addr, value)
}

// ReadAP reads a register of the selected Access Port
func (a *CMSISDAPAdapter) ReadAP(addr uint8) (uint32, error) {
	return a.readReg(true, addr)
}

// WriteAP writes a register of the selected Access Port
func (a *CMSISDAPAdapter) WriteAP(addr uint8, value uint32) error {
	return a.writeReg(true, addr, value)
}

// ReadAPBlock repeatedly reads one AP register, splitting the request into
// packet sized DAP_TransferBlock commands.
func (a *CMSISDAPAdapter) ReadAPBlock(addr uint8, out []uint32) error {
	if err := ValidateRegister(addr); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return ErrNotConnected
	}

	req := TransferRequest{APnDP: true, Read: true, Addr: addr}
	chunk := a.protocol.MaxBlockWords(true)
	for pos := 0; pos < len(out); pos += chunk {
		n := min(chunk, len(out)-pos)
		resp, err := a.transport.WriteRead(a.protocol.EncodeTransferBlock(req, n, nil))
		if err != nil {
			return err
		}
		values, err := a.protocol.DecodeTransferBlock(resp, true, n)
		if err != nil {
			return err
		}
		copy(out[pos:], values)
	}
	return nil
}

// WriteAPBlock repeatedly writes one AP register.
func (a *CMSISDAPAdapter) WriteAPBlock(addr uint8, data []uint32) error {
	if err := ValidateRegister(addr); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return ErrNotConnected
	}

	req := TransferRequest{APnDP: true, Addr: addr}
	chunk := a.protocol.MaxBlockWords(false)
	for pos := 0; pos < len(data); pos += chunk {
		n := min(chunk, len(data)-pos)
		resp, err := a.transport.WriteRead(a.protocol.EncodeTransferBlock(req, n, data[pos:pos+n]))
		if err != nil {
			return err
		}
		if _, err := a.protocol.DecodeTransferBlock(resp, false, n); err != nil {
			return err
		}
	}
	return nil
}

// SetReset drives the nRESET line. Asserted means the line is pulled low.
func (a *CMSISDAPAdapter) SetReset(asserted bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out byte
	if !asserted {
		out = PinNRESET
	}
	resp, err := a.transport.WriteRead(a.protocol.EncodeSWJPins(out, PinNRESET, 0))
	if err != nil {
		return fmt.Errorf("set nRESET failed: %w", err)
	}
	_, err = a.protocol.DecodeSWJPins(resp)
	return err
}

// ResetTarget runs the probe's device specific reset sequence
func (a *CMSISDAPAdapter) ResetTarget() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp, err := a.transport.WriteRead(a.protocol.EncodeResetTarget())
	if err != nil {
		return fmt.Errorf("hard reset failed: %w", err)
	}
	return a.protocol.DecodeResetTarget(resp)
}

// SetSpeed sets the SWCLK frequency
func (a *CMSISDAPAdapter) SetSpeed(hz int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.setClock(hz)
}

func (a *CMSISDAPAdapter) setClock(hz int) error {
	if hz < a.info.MinFrequency || hz > a.info.MaxFrequency {
		return fmt.Errorf("frequency %d Hz out of range [%d, %d]",
			hz, a.info.MinFrequency, a.info.MaxFrequency)
	}

	resp, err := a.transport.WriteRead(a.protocol.EncodeSetClock(uint32(hz)))
	if err != nil {
		return fmt.Errorf("set speed failed: %w", err)
	}
	if err := a.protocol.DecodeSetClock(resp); err != nil {
		return err
	}

	a.speedHz = hz
	return nil
}

// Close disconnects and releases resources
func (a *CMSISDAPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		cmd := a.protocol.EncodeDisconnect()
		a.transport.WriteRead(cmd)
		a.connected = false
	}

	return a.transport.Close()
}
