package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamiliesLoadedOnce(t *testing.T) {
	a, err := Families()
	require.NoError(t, err)
	require.NotEmpty(t, a)

	b, err := Families()
	require.NoError(t, err)
	assert.Same(t, &a[0], &b[0])
}

func TestNamesKeepDatabaseOrder(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(names), 5)
	assert.Equal(t, "STM32F103C8", names[0])
	assert.Contains(t, names, "nRF52840_xxAA")

	again, err := Names()
	require.NoError(t, err)
	assert.Equal(t, names, again)
}

func TestLookup(t *testing.T) {
	v, err := Lookup("stm32f103c8")
	require.NoError(t, err)
	assert.Equal(t, "STM32F103C8", v.Name)
	assert.Equal(t, "STM32F1 Series", v.Family)
	require.Len(t, v.Cores, 1)
	assert.Equal(t, "armv7m", v.Cores[0].Type)

	ram := v.RAM()
	require.Len(t, ram, 1)
	assert.Equal(t, uint64(0x20000000), ram[0].Start)
	assert.Equal(t, uint64(0x20005000), ram[0].End())

	flash := v.Flash()
	require.Len(t, flash, 1)
	assert.Equal(t, "stm32f1", flash[0].Driver)
	assert.Equal(t, uint64(0x400), flash[0].PageSize)

	_, err = Lookup("NoSuchChip")
	assert.Error(t, err)
}

func TestDualCoreVariant(t *testing.T) {
	v, err := Lookup("STM32H745ZITx")
	require.NoError(t, err)
	require.Len(t, v.Cores, 2)
	assert.Equal(t, uint8(0), v.Cores[0].AP)
	assert.Equal(t, uint8(3), v.Cores[1].AP)
	assert.Len(t, v.RAM(), 2)
}

func TestRegionFor(t *testing.T) {
	v, err := Lookup("nRF52832_xxAA")
	require.NoError(t, err)

	r, ok := v.RegionFor(0x1000)
	require.True(t, ok)
	assert.Equal(t, RegionFlash, r.Kind)

	r, ok = v.RegionFor(0x2000FFFF)
	require.True(t, ok)
	assert.Equal(t, RegionRAM, r.Kind)

	_, ok = v.RegionFor(0x20010000)
	assert.False(t, ok)
}

func TestParseRejectsBadDatabase(t *testing.T) {
	_, err := parse([]byte("families:\n  - name: X\n    variants:\n      - name: A\n        memory_map: []\n"))
	assert.ErrorContains(t, err, "no cores")

	dup := `
families:
  - name: X
    cores: [{name: main, type: armv7m, ap: 0}]
    variants:
      - name: A
        memory_map: []
      - name: a
        memory_map: []
`
	_, err = parse([]byte(dup))
	assert.ErrorContains(t, err, "duplicate")
}
