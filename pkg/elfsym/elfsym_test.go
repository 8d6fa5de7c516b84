package elfsym

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/elftest"
)

func TestFindRTT(t *testing.T) {
	img := elftest.Build(
		[]elftest.Segment{{Addr: 0x08000000, Data: []byte{1, 2, 3, 4}}},
		[]elftest.Symbol{
			{Name: "main", Value: 0x08000101},
			{Name: RTTSymbol, Value: 0x20001234, Size: 0xA8},
		},
	)

	addr, ok := FindRTT(bytes.NewReader(img))
	require.True(t, ok)
	assert.Equal(t, uint64(0x20001234), addr)

	addr, ok = FindSymbol(bytes.NewReader(img), "main")
	require.True(t, ok)
	assert.Equal(t, uint64(0x08000101), addr)
}

func TestFirstMatchWins(t *testing.T) {
	img := elftest.Build(nil, []elftest.Symbol{
		{Name: "dup", Value: 1},
		{Name: "dup", Value: 2},
	})
	addr, ok := FindSymbol(bytes.NewReader(img), "dup")
	require.True(t, ok)
	assert.Equal(t, uint64(1), addr)
}

func TestExactNameMatch(t *testing.T) {
	img := elftest.Build(nil, []elftest.Symbol{{Name: "_SEGGER_RTT_buf", Value: 0x20000000}})
	_, ok := FindRTT(bytes.NewReader(img))
	assert.False(t, ok)
}

func TestSoftFailures(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"empty", nil, ErrParse},
		{"not elf", []byte("this is not an ELF file at all"), ErrParse},
		{"truncated", elftest.Build(nil, []elftest.Symbol{{Name: RTTSymbol, Value: 1}})[:40], ErrParse},
		{"missing symbol", elftest.Build(nil, []elftest.Symbol{{Name: "main", Value: 1}}), ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Lookup(bytes.NewReader(tt.input), RTTSymbol)
			assert.ErrorIs(t, err, tt.wantErr)

			addr, ok := FindRTT(bytes.NewReader(tt.input))
			assert.False(t, ok)
			assert.Zero(t, addr)
		})
	}
}

func TestReaderError(t *testing.T) {
	_, err := Lookup(failingReader{}, RTTSymbol)
	assert.ErrorIs(t, err, ErrParse)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, assert.AnError
}

func TestRTTSymbolName(t *testing.T) {
	assert.Equal(t, "_SEGGER_RTT", RTTSymbol)
}
