package dap

import (
	"bytes"
	"errors"
	"testing"
)

func TestProtocolEncodeInfo(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	tests := []struct {
		name   string
		infoID byte
		want   []byte
	}{
		{"Vendor ID", InfoVendorID, []byte{0x00, 0x01}},
		{"Product ID", InfoProductID, []byte{0x00, 0x02}},
		{"Serial Number", InfoSerialNum, []byte{0x00, 0x03}},
		{"Firmware Version", InfoFirmwareVer, []byte{0x00, 0x04}},
		{"Packet Size", InfoPacketSize, []byte{0x00, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := proto.EncodeInfo(tt.infoID)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeInfo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProtocolDecodeInfo(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	tests := []struct {
		name    string
		resp    []byte
		want    string
		wantErr bool
	}{
		{
			name: "valid vendor",
			resp: []byte{0x00, 0x04, 'T', 'e', 's', 't'},
			want: "Test",
		},
		{
			name: "nul terminated",
			resp: []byte{0x00, 0x05, 'A', 'R', 'M', 0x00, 0x00},
			want: "ARM",
		},
		{
			name:    "too short",
			resp:    []byte{0x00},
			wantErr: true,
		},
		{
			name:    "wrong command",
			resp:    []byte{0x02, 0x01, 'x'},
			wantErr: true,
		},
		{
			name:    "truncated string",
			resp:    []byte{0x00, 0x08, 'a', 'b'},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := proto.DecodeInfo(tt.resp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeInfo() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DecodeInfo() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProtocolDecodeInfoUint16(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	size, err := proto.DecodeInfoUint16([]byte{0x00, 0x02, 0x00, 0x02})
	if err != nil {
		t.Fatalf("DecodeInfoUint16 returned error: %v", err)
	}
	if size != 512 {
		t.Errorf("size = %d, want 512", size)
	}

	if _, err := proto.DecodeInfoUint16([]byte{0x00, 0x01, 0x40}); err == nil {
		t.Error("expected error for one byte payload")
	}
}

func TestProtocolEncodeTransfer(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	reqs := []TransferRequest{
		{APnDP: false, Read: false, Addr: DPRegSelect, Value: 0x01000010},
		{APnDP: true, Read: true, Addr: 0x0C},
	}
	got := proto.EncodeTransfer(reqs)
	want := []byte{
		CmdTransfer, 0x00, 0x02,
		0x08, 0x10, 0x00, 0x00, 0x01,
		0x0F,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeTransfer() = % X, want % X", got, want)
	}
}

func TestProtocolDecodeTransfer(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)
	reqs := []TransferRequest{
		{Read: true, Addr: DPRegIDR},
		{APnDP: true, Addr: 0x04, Value: 0x20000000},
		{APnDP: true, Read: true, Addr: 0x0C},
	}

	t.Run("ok", func(t *testing.T) {
		resp := []byte{CmdTransfer, 0x03, 0x01,
			0x77, 0x14, 0xA0, 0x2B,
			0xEF, 0xBE, 0xAD, 0xDE,
		}
		values, err := proto.DecodeTransfer(resp, reqs)
		if err != nil {
			t.Fatalf("DecodeTransfer returned error: %v", err)
		}
		if len(values) != 2 || values[0] != 0x2BA01477 || values[1] != 0xDEADBEEF {
			t.Errorf("values = %X", values)
		}
	})

	t.Run("fault", func(t *testing.T) {
		resp := []byte{CmdTransfer, 0x01, 0x04}
		_, err := proto.DecodeTransfer(resp, reqs)
		if !errors.Is(err, ErrAckFault) {
			t.Errorf("err = %v, want ErrAckFault", err)
		}
	})

	t.Run("wait", func(t *testing.T) {
		resp := []byte{CmdTransfer, 0x00, 0x02}
		_, err := proto.DecodeTransfer(resp, reqs)
		if !errors.Is(err, ErrAckWait) {
			t.Errorf("err = %v, want ErrAckWait", err)
		}
	})

	t.Run("protocol error", func(t *testing.T) {
		resp := []byte{CmdTransfer, 0x00, 0x09}
		_, err := proto.DecodeTransfer(resp, reqs)
		if !errors.Is(err, ErrAckProtocol) {
			t.Errorf("err = %v, want ErrAckProtocol", err)
		}
	})

	t.Run("missing data", func(t *testing.T) {
		resp := []byte{CmdTransfer, 0x03, 0x01, 0x77, 0x14}
		if _, err := proto.DecodeTransfer(resp, reqs); err == nil {
			t.Error("expected error for truncated data")
		}
	})
}

func TestProtocolTransferBlock(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	cmd := proto.EncodeTransferBlock(TransferRequest{APnDP: true, Addr: 0x0C}, 0, []uint32{0x11223344, 0x55667788})
	want := []byte{CmdTransferBlock, 0x00, 0x02, 0x00, 0x0D,
		0x44, 0x33, 0x22, 0x11,
		0x88, 0x77, 0x66, 0x55,
	}
	if !bytes.Equal(cmd, want) {
		t.Errorf("EncodeTransferBlock(write) = % X, want % X", cmd, want)
	}

	cmd = proto.EncodeTransferBlock(TransferRequest{APnDP: true, Read: true, Addr: 0x0C}, 3, nil)
	if !bytes.Equal(cmd, []byte{CmdTransferBlock, 0x00, 0x03, 0x00, 0x0F}) {
		t.Errorf("EncodeTransferBlock(read) = % X", cmd)
	}

	values, err := proto.DecodeTransferBlock([]byte{CmdTransferBlock, 0x01, 0x00, 0x01, 0x01, 0x02, 0x03, 0x04}, true, 1)
	if err != nil {
		t.Fatalf("DecodeTransferBlock returned error: %v", err)
	}
	if values[0] != 0x04030201 {
		t.Errorf("value = 0x%08X", values[0])
	}

	if _, err := proto.DecodeTransferBlock([]byte{CmdTransferBlock, 0x00, 0x00, 0x04}, true, 1); !errors.Is(err, ErrAckFault) {
		t.Errorf("err = %v, want ErrAckFault", err)
	}
}

func TestProtocolMaxBlockWords(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)
	if got := proto.MaxBlockWords(true); got != 15 {
		t.Errorf("read words = %d, want 15", got)
	}
	if got := proto.MaxBlockWords(false); got != 14 {
		t.Errorf("write words = %d, want 14", got)
	}
}

func TestProtocolSWJ(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	pins := proto.EncodeSWJPins(0, PinNRESET, 100)
	if !bytes.Equal(pins, []byte{CmdSWJPins, 0x00, 0x80, 100, 0, 0, 0}) {
		t.Errorf("EncodeSWJPins() = % X", pins)
	}
	in, err := proto.DecodeSWJPins([]byte{CmdSWJPins, 0x83})
	if err != nil || in != 0x83 {
		t.Errorf("DecodeSWJPins() = 0x%02X, %v", in, err)
	}

	seq := proto.EncodeSWJSequence(16, []byte{0x9E, 0xE7})
	if !bytes.Equal(seq, []byte{CmdSWJSequence, 16, 0x9E, 0xE7}) {
		t.Errorf("EncodeSWJSequence() = % X", seq)
	}
	if err := proto.DecodeSWJSequence([]byte{CmdSWJSequence, StatusError}); err == nil {
		t.Error("expected error for failed sequence")
	}
}

func TestProtocolConnect(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	if got := proto.EncodeConnect(PortSWD); !bytes.Equal(got, []byte{CmdConnect, PortSWD}) {
		t.Errorf("EncodeConnect() = % X", got)
	}
	port, err := proto.DecodeConnect([]byte{CmdConnect, PortSWD})
	if err != nil || port != PortSWD {
		t.Errorf("DecodeConnect() = %d, %v", port, err)
	}
	if _, err := proto.DecodeConnect([]byte{CmdConnect, 0x00}); err == nil {
		t.Error("expected error for failed connect")
	}
}

func TestProtocolSetClock(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	got := proto.EncodeSetClock(4_000_000)
	if !bytes.Equal(got, []byte{CmdSWJClock, 0x00, 0x09, 0x3D, 0x00}) {
		t.Errorf("EncodeSetClock() = % X", got)
	}
	if err := proto.DecodeSetClock([]byte{CmdSWJClock, StatusOK}); err != nil {
		t.Errorf("DecodeSetClock() error = %v", err)
	}
	if err := proto.DecodeSetClock([]byte{CmdSWJClock, StatusError}); err == nil {
		t.Error("expected error")
	}
}
