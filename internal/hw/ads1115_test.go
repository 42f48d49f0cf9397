package hw

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegs struct {
	regs    map[byte]uint16
	writes  []uint16
	busy    int
	readErr error
}

func (f *fakeRegs) ReadReg16(reg byte) (uint16, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	if reg == adsRegConfig && f.busy > 0 {
		f.busy--
		return 0, nil
	}
	return f.regs[reg], nil
}

func (f *fakeRegs) WriteReg16(reg byte, v uint16) error {
	if reg == adsRegConfig {
		f.writes = append(f.writes, v)
		f.regs[adsRegConfig] = v
	}
	return nil
}

func noSleep(t *testing.T) {
	t.Helper()
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })
}

func TestADS1115_PicksSmallestCoveringRange(t *testing.T) {
	a, err := newADS1115(&fakeRegs{regs: map[byte]uint16{}}, 3.3)
	require.NoError(t, err)
	assert.Equal(t, 4.096, a.fsr)

	a, err = newADS1115(&fakeRegs{regs: map[byte]uint16{}}, 5.0)
	require.NoError(t, err)
	assert.Equal(t, 6.144, a.fsr)

	_, err = newADS1115(&fakeRegs{}, 0)
	assert.Error(t, err)
}

func TestADS1115_ReadConvertsCounts(t *testing.T) {
	noSleep(t)
	regs := &fakeRegs{regs: map[byte]uint16{adsRegConversion: 16384}, busy: 1}
	a, err := newADS1115(regs, 3.3)
	require.NoError(t, err)

	ch, err := a.Channel(1)
	require.NoError(t, err)
	v, err := ch.Volts()
	require.NoError(t, err)
	assert.InDelta(t, 2.048, v, 1e-9)

	require.Len(t, regs.writes, 1)
	// OS | MUX=101 (AIN1) | PGA=001 | single-shot | 860 SPS | comparator off.
	assert.Equal(t, uint16(0xD3E3), regs.writes[0])
}

func TestADS1115_NegativeClampsToZero(t *testing.T) {
	noSleep(t)
	regs := &fakeRegs{regs: map[byte]uint16{adsRegConversion: 0xFFF0}}
	a, _ := newADS1115(regs, 3.3)
	ch, _ := a.Channel(0)
	v, err := ch.Volts()
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestADS1115_Errors(t *testing.T) {
	noSleep(t)
	a, _ := newADS1115(&fakeRegs{regs: map[byte]uint16{}, busy: 100}, 3.3)
	ch, _ := a.Channel(0)
	_, err := ch.Volts()
	assert.ErrorContains(t, err, "timeout")

	_, err = a.Channel(4)
	assert.Error(t, err)

	boom := errors.New("bus gone")
	a, _ = newADS1115(&fakeRegs{regs: map[byte]uint16{}, readErr: boom}, 3.3)
	ch, _ = a.Channel(2)
	_, err = ch.Volts()
	assert.ErrorIs(t, err, boom)
}
