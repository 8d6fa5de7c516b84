package dap

import (
	"errors"
	"testing"
)

func TestSimPortRequiresConnect(t *testing.T) {
	sim := NewSimPort(&memBus{}, 1)
	if _, err := sim.ReadDP(DPRegIDR); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if err := sim.Connect(); err != nil {
		t.Fatal(err)
	}
	idr, err := sim.ReadDP(DPRegIDR)
	if err != nil || idr != SimDPIDR {
		t.Fatalf("ReadDP = 0x%08X, %v", idr, err)
	}
}

func TestSimPortPowerUpAck(t *testing.T) {
	sim := NewSimPort(&memBus{}, 1)
	sim.Connect()

	if err := sim.WriteDP(DPRegCtrlStat, 1<<30|1<<28); err != nil {
		t.Fatal(err)
	}
	v, _ := sim.ReadDP(DPRegCtrlStat)
	if v&(1<<31|1<<29) != 1<<31|1<<29 {
		t.Errorf("CTRL/STAT = 0x%08X, want power-up acks set", v)
	}
}

func TestSimPortByteLanes(t *testing.T) {
	bus := &memBus{}
	sim := NewSimPort(bus, 1)
	sim.Connect()

	// 8-bit access at offset 2 is placed in byte lane 2
	sim.WriteAP(0x00, 0x23000010)
	sim.WriteAP(0x04, 0x202)
	if err := sim.WriteAP(0x0C, 0x00AB0000); err != nil {
		t.Fatal(err)
	}
	if bus.mem[0x202] != 0xAB {
		t.Errorf("mem[0x202] = 0x%02X, want 0xAB", bus.mem[0x202])
	}

	// 16-bit access at offset 2 uses the upper half-word lane
	sim.WriteAP(0x00, 0x23000011)
	sim.WriteAP(0x04, 0x302)
	sim.WriteAP(0x0C, 0xBEEF0000)
	if bus.mem[0x302] != 0xEF || bus.mem[0x303] != 0xBE {
		t.Errorf("half-word = %02X %02X, want EF BE", bus.mem[0x302], bus.mem[0x303])
	}

	sim.WriteAP(0x04, 0x302)
	v, err := sim.ReadAP(0x0C)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xBEEF0000 {
		t.Errorf("read = 0x%08X, want 0xBEEF0000", v)
	}
}

func TestSimPortAutoIncrementWraps(t *testing.T) {
	sim := NewSimPort(&memBus{}, 1)
	sim.Connect()

	sim.WriteAP(0x00, 0x23000012)
	sim.WriteAP(0x04, 0x7FC)
	sim.WriteAP(0x0C, 1)
	tar, _ := sim.ReadAP(0x04)
	if tar != 0x400 {
		t.Errorf("TAR = 0x%X, want wrap to 0x400", tar)
	}
}

func TestSimPortResetLine(t *testing.T) {
	sim := NewSimPort(&memBus{}, 1)
	sim.SetReset(true)
	sim.SetReset(true)
	sim.SetReset(false)
	if sim.ResetCount() != 1 {
		t.Errorf("ResetCount = %d, want 1", sim.ResetCount())
	}
}
