package simtarget

import (
	"context"
	"fmt"
	"time"
)

const (
	rttIDSize   = 16
	rttDescSize = 24
	rttHdrSize  = rttIDSize + 8
)

type rttState struct {
	addr uint64
	up   int
}

// InstallRTT writes an RTT control block at addr the way firmware does at
// start-up: one up-channel per name, one down-channel, each with a ring of
// bufSize bytes placed after the control block.
func (t *Target) InstallRTT(addr uint64, upNames []string, bufSize int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(upNames) == 0 || bufSize < 2 {
		return fmt.Errorf("rtt: need at least one up-channel and a 2 byte buffer")
	}
	const numDown = 1
	names := append(append([]string(nil), upNames...), "Terminal")

	descs := len(names)
	namesAddr := addr + rttHdrSize + uint64(descs*rttDescSize)
	nameOffsets := make([]uint64, len(names))
	cur := namesAddr
	for i, n := range names {
		nameOffsets[i] = cur
		cur += uint64(len(n) + 1)
	}
	bufAddr := (cur + 3) &^ 3
	total := bufAddr + uint64(descs*bufSize) - addr

	if _, err := t.peek(addr, int(total)); err != nil {
		return fmt.Errorf("rtt: control block does not fit at 0x%X: %w", addr, err)
	}

	t.poke(addr, make([]byte, total))
	for i, n := range names {
		t.poke(nameOffsets[i], append([]byte(n), 0))
	}
	t.poke32(addr+rttIDSize, uint32(len(upNames)))
	t.poke32(addr+rttIDSize+4, numDown)
	for i := range names {
		d := addr + rttHdrSize + uint64(i*rttDescSize)
		t.poke32(d, uint32(nameOffsets[i]))
		t.poke32(d+4, uint32(bufAddr+uint64(i*bufSize)))
		t.poke32(d+8, uint32(bufSize))
	}
	// The ID goes last so a host never sees a half initialised block
	id := make([]byte, rttIDSize)
	copy(id, "SEGGER RTT")
	t.poke(addr, id)

	t.rtt = &rttState{addr: addr, up: len(upNames)}
	return nil
}

// RTTAddress returns the address of the installed control block, or zero.
func (t *Target) RTTAddress() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rtt == nil {
		return 0
	}
	return t.rtt.addr
}

// EmitUp appends data to up-channel ch as firmware would. When the ring is
// full the remaining bytes are dropped; the number written is returned.
func (t *Target) EmitUp(ch int, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rtt == nil {
		return 0, fmt.Errorf("rtt: no control block installed")
	}
	if ch < 0 || ch >= t.rtt.up {
		return 0, fmt.Errorf("rtt: no up-channel %d", ch)
	}

	d := t.rtt.addr + rttHdrSize + uint64(ch*rttDescSize)
	buf := uint64(t.peek32(d + 4))
	size := t.peek32(d + 8)
	wr := t.peek32(d + 12)
	rd := t.peek32(d + 16)
	if size == 0 || wr >= size || rd >= size {
		return 0, fmt.Errorf("rtt: up-channel %d descriptor corrupt", ch)
	}

	free := (rd + size - wr - 1) % size
	n := min(uint32(len(data)), free)
	for i := uint32(0); i < n; i++ {
		t.poke(buf+uint64(wr), data[i:i+1])
		wr = (wr + 1) % size
	}
	t.poke32(d+12, wr)
	return int(n), nil
}

// StartHeartbeat emits a numbered line on up-channel ch every interval until
// ctx is cancelled.
func (t *Target) StartHeartbeat(ctx context.Context, ch int, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for n := 1; ; n++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.EmitUp(ch, []byte(fmt.Sprintf("heartbeat %d\r\n", n)))
			}
		}
	}()
}
