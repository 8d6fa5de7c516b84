package dap

import (
	"encoding/binary"
	"fmt"
)

// CMSIS-DAP Command IDs
const (
	CmdInfo              = 0x00
	CmdHostStatus        = 0x01
	CmdConnect           = 0x02
	CmdDisconnect        = 0x03
	CmdTransferConfigure = 0x04
	CmdTransfer          = 0x05
	CmdTransferBlock     = 0x06
	CmdTransferAbort     = 0x07
	CmdResetTarget       = 0x0A
	CmdSWJPins           = 0x10
	CmdSWJClock          = 0x11
	CmdSWJSequence       = 0x12
	CmdSWDConfigure      = 0x13
)

// DAP_Info Info IDs
const (
	InfoVendorID     = 0x01
	InfoProductID    = 0x02
	InfoSerialNum    = 0x03
	InfoFirmwareVer  = 0x04
	InfoCapabilities = 0xF0
	InfoPacketCount  = 0xFE
	InfoPacketSize   = 0xFF
)

// Connection ports
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// Status codes
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// Transfer request bits
const (
	TransferAPnDP = 0x01
	TransferRnW   = 0x02
	TransferA2    = 0x04
	TransferA3    = 0x08
)

// SWJ pin bits
const (
	PinSWCLK  = 0x01
	PinSWDIO  = 0x02
	PinTDI    = 0x04
	PinTDO    = 0x08
	PinNTRST  = 0x20
	PinNRESET = 0x80
)

// CMSISDAPProtocol handles encoding/decoding of CMSIS-DAP commands
type CMSISDAPProtocol struct {
	PacketSize int
}

// NewCMSISDAPProtocol creates a new protocol handler
func NewCMSISDAPProtocol(packetSize int) *CMSISDAPProtocol {
	return &CMSISDAPProtocol{
		PacketSize: packetSize,
	}
}

// MaxBlockWords returns how many 32-bit words fit into one DAP_TransferBlock
// packet in the given direction.
func (p *CMSISDAPProtocol) MaxBlockWords(read bool) int {
	if read {
		return (p.PacketSize - 4) / 4
	}
	return (p.PacketSize - 5) / 4
}

func decodeStatus(resp []byte, cmd byte, what string) error {
	if len(resp) < 2 {
		return fmt.Errorf("response too short")
	}
	if resp[0] != cmd {
		return fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("%s failed", what)
	}
	return nil
}

// EncodeInfo builds a DAP_Info command
func (p *CMSISDAPProtocol) EncodeInfo(infoID byte) []byte {
	return []byte{CmdInfo, infoID}
}

// DecodeInfo parses a DAP_Info response carrying a string
func (p *CMSISDAPProtocol) DecodeInfo(resp []byte) (string, error) {
	if len(resp) < 2 {
		return "", fmt.Errorf("response too short")
	}
	if resp[0] != CmdInfo {
		return "", fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}

	length := int(resp[1])
	if len(resp) < 2+length {
		return "", fmt.Errorf("incomplete info string")
	}

	s := resp[2 : 2+length]
	// Strings are NUL terminated on most firmwares
	for i, b := range s {
		if b == 0 {
			s = s[:i]
			break
		}
	}
	return string(s), nil
}

// DecodeInfoUint16 parses a DAP_Info response carrying a 16-bit value such as
// the packet size.
func (p *CMSISDAPProtocol) DecodeInfoUint16(resp []byte) (uint16, error) {
	if len(resp) < 4 || resp[0] != CmdInfo || resp[1] != 2 {
		return 0, fmt.Errorf("invalid info response")
	}
	return binary.LittleEndian.Uint16(resp[2:4]), nil
}

// EncodeConnect builds a DAP_Connect command
func (p *CMSISDAPProtocol) EncodeConnect(port byte) []byte {
	return []byte{CmdConnect, port}
}

// DecodeConnect parses a DAP_Connect response
func (p *CMSISDAPProtocol) DecodeConnect(resp []byte) (byte, error) {
	if len(resp) < 2 {
		return 0, fmt.Errorf("response too short")
	}
	if resp[0] != CmdConnect {
		return 0, fmt.Errorf("invalid command ID")
	}
	if resp[1] == 0 {
		return 0, fmt.Errorf("connection failed")
	}
	return resp[1], nil
}

// EncodeDisconnect builds a DAP_Disconnect command
func (p *CMSISDAPProtocol) EncodeDisconnect() []byte {
	return []byte{CmdDisconnect}
}

// DecodeDisconnect parses a DAP_Disconnect response
func (p *CMSISDAPProtocol) DecodeDisconnect(resp []byte) error {
	return decodeStatus(resp, CmdDisconnect, "disconnect")
}

// EncodeTransferConfigure builds a DAP_TransferConfigure command
func (p *CMSISDAPProtocol) EncodeTransferConfigure(idleCycles byte, waitRetry, matchRetry uint16) []byte {
	cmd := make([]byte, 6)
	cmd[0] = CmdTransferConfigure
	cmd[1] = idleCycles
	binary.LittleEndian.PutUint16(cmd[2:], waitRetry)
	binary.LittleEndian.PutUint16(cmd[4:], matchRetry)
	return cmd
}

// DecodeTransferConfigure parses response
func (p *CMSISDAPProtocol) DecodeTransferConfigure(resp []byte) error {
	return decodeStatus(resp, CmdTransferConfigure, "transfer configure")
}

// EncodeSWDConfigure builds a DAP_SWD_Configure command
func (p *CMSISDAPProtocol) EncodeSWDConfigure(cfg byte) []byte {
	return []byte{CmdSWDConfigure, cfg}
}

// DecodeSWDConfigure parses response
func (p *CMSISDAPProtocol) DecodeSWDConfigure(resp []byte) error {
	return decodeStatus(resp, CmdSWDConfigure, "SWD configure")
}

// TransferRequest is one DP or AP register access inside a DAP_Transfer.
type TransferRequest struct {
	APnDP bool
	Read  bool
	Addr  uint8 // A[3:2]
	Value uint32
}

// RequestByte returns the transfer request byte for the access.
func (r TransferRequest) RequestByte() byte {
	b := r.Addr & (TransferA2 | TransferA3)
	if r.APnDP {
		b |= TransferAPnDP
	}
	if r.Read {
		b |= TransferRnW
	}
	return b
}

// EncodeTransfer builds a DAP_Transfer command
// Layout: [cmd][dap index][count]{[request][data32 for writes]}...
func (p *CMSISDAPProtocol) EncodeTransfer(reqs []TransferRequest) []byte {
	size := 3
	for _, r := range reqs {
		size++
		if !r.Read {
			size += 4
		}
	}

	cmd := make([]byte, size)
	cmd[0] = CmdTransfer
	cmd[1] = 0
	cmd[2] = byte(len(reqs))

	offset := 3
	for _, r := range reqs {
		cmd[offset] = r.RequestByte()
		offset++
		if !r.Read {
			binary.LittleEndian.PutUint32(cmd[offset:], r.Value)
			offset += 4
		}
	}
	return cmd
}

// DecodeTransfer parses a DAP_Transfer response and returns the values of the
// read requests in order.
func (p *CMSISDAPProtocol) DecodeTransfer(resp []byte, reqs []TransferRequest) ([]uint32, error) {
	if len(resp) < 3 {
		return nil, fmt.Errorf("response too short")
	}
	if resp[0] != CmdTransfer {
		return nil, fmt.Errorf("invalid command ID")
	}

	done := int(resp[1])
	if err := ackError(resp[2]); err != nil {
		return nil, fmt.Errorf("transfer %d of %d: %w", done+1, len(reqs), err)
	}
	if done != len(reqs) {
		return nil, fmt.Errorf("transfer incomplete: %d of %d", done, len(reqs))
	}

	values := make([]uint32, 0)
	offset := 3
	for _, r := range reqs {
		if !r.Read {
			continue
		}
		if offset+4 > len(resp) {
			return nil, fmt.Errorf("incomplete transfer data")
		}
		values = append(values, binary.LittleEndian.Uint32(resp[offset:]))
		offset += 4
	}
	return values, nil
}

// EncodeTransferBlock builds a DAP_TransferBlock command. data is ignored for
// reads, count is ignored for writes.
func (p *CMSISDAPProtocol) EncodeTransferBlock(req TransferRequest, count int, data []uint32) []byte {
	if !req.Read {
		count = len(data)
	}

	size := 5
	if !req.Read {
		size += 4 * len(data)
	}

	cmd := make([]byte, size)
	cmd[0] = CmdTransferBlock
	cmd[1] = 0
	binary.LittleEndian.PutUint16(cmd[2:], uint16(count))
	cmd[4] = req.RequestByte()

	if !req.Read {
		for i, v := range data {
			binary.LittleEndian.PutUint32(cmd[5+4*i:], v)
		}
	}
	return cmd
}

// DecodeTransferBlock parses a DAP_TransferBlock response. For reads it
// returns count words.
func (p *CMSISDAPProtocol) DecodeTransferBlock(resp []byte, read bool, count int) ([]uint32, error) {
	if len(resp) < 4 {
		return nil, fmt.Errorf("response too short")
	}
	if resp[0] != CmdTransferBlock {
		return nil, fmt.Errorf("invalid command ID")
	}

	done := int(binary.LittleEndian.Uint16(resp[1:3]))
	if err := ackError(resp[3]); err != nil {
		return nil, fmt.Errorf("block transfer word %d of %d: %w", done, count, err)
	}
	if done != count {
		return nil, fmt.Errorf("block transfer incomplete: %d of %d", done, count)
	}
	if !read {
		return nil, nil
	}

	if len(resp) < 4+4*count {
		return nil, fmt.Errorf("incomplete block data")
	}
	values := make([]uint32, count)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(resp[4+4*i:])
	}
	return values, nil
}

// EncodeSWJPins builds a DAP_SWJ_Pins command
func (p *CMSISDAPProtocol) EncodeSWJPins(output, selectMask byte, waitUS uint32) []byte {
	cmd := make([]byte, 7)
	cmd[0] = CmdSWJPins
	cmd[1] = output
	cmd[2] = selectMask
	binary.LittleEndian.PutUint32(cmd[3:], waitUS)
	return cmd
}

// DecodeSWJPins parses response and returns the pin input state
func (p *CMSISDAPProtocol) DecodeSWJPins(resp []byte) (byte, error) {
	if len(resp) < 2 {
		return 0, fmt.Errorf("response too short")
	}
	if resp[0] != CmdSWJPins {
		return 0, fmt.Errorf("invalid command ID")
	}
	return resp[1], nil
}

// EncodeSWJSequence builds a DAP_SWJ_Sequence command. bits may be 1..256;
// the data is sent LSB first.
func (p *CMSISDAPProtocol) EncodeSWJSequence(bits int, data []byte) []byte {
	n := (bits + 7) / 8
	cmd := make([]byte, 2+n)
	cmd[0] = CmdSWJSequence
	cmd[1] = byte(bits) // 256 encodes as 0
	copy(cmd[2:], data)
	return cmd
}

// DecodeSWJSequence parses response
func (p *CMSISDAPProtocol) DecodeSWJSequence(resp []byte) error {
	return decodeStatus(resp, CmdSWJSequence, "SWJ sequence")
}

// EncodeSetClock builds a DAP_SWJ_Clock command
func (p *CMSISDAPProtocol) EncodeSetClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

// DecodeSetClock parses response
func (p *CMSISDAPProtocol) DecodeSetClock(resp []byte) error {
	return decodeStatus(resp, CmdSWJClock, "set clock")
}

// EncodeResetTarget builds a DAP_ResetTarget command
func (p *CMSISDAPProtocol) EncodeResetTarget() []byte {
	return []byte{CmdResetTarget}
}

// DecodeResetTarget parses response
func (p *CMSISDAPProtocol) DecodeResetTarget(resp []byte) error {
	return decodeStatus(resp, CmdResetTarget, "reset target")
}
