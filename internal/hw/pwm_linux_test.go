//go:build linux

package hw

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakePWMChip(t *testing.T, npwm string) (base, chip string) {
	t.Helper()
	dir := t.TempDir()
	base = filepath.Join(dir, "pwm")
	require.NoError(t, os.MkdirAll(base, 0o755))

	realChip := filepath.Join(dir, "realchip0")
	require.NoError(t, os.MkdirAll(filepath.Join(realChip, "pwm0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(realChip, "npwm"), []byte(npwm), 0o644))
	for _, name := range []string{"period", "duty_cycle", "enable"} {
		require.NoError(t, os.WriteFile(filepath.Join(realChip, "pwm0", name), nil, 0o644))
	}

	// pwmchipN entries are symlinks on real systems.
	chip = filepath.Join(base, "pwmchip0")
	require.NoError(t, os.Symlink(realChip, chip))

	old := pwmSysfsBase
	pwmSysfsBase = base
	t.Cleanup(func() { pwmSysfsBase = old })
	return base, chip
}

func TestFindPWMChip_AcceptsSymlinkedChip(t *testing.T) {
	_, chip := fakePWMChip(t, "2\n")
	got, err := findPWMChip("", 1)
	require.NoError(t, err)
	assert.Equal(t, chip, got)
}

func TestFindPWMChip_SkipsChipsWithoutChannel(t *testing.T) {
	fakePWMChip(t, "1\n")
	_, err := findPWMChip("", 1)
	assert.Error(t, err)
}

func TestOpenPWM_ProgramsPeriodAndDuty(t *testing.T) {
	_, chip := fakePWMChip(t, "2\n")

	p, err := OpenPWM(PWMSpec{Channel: 0, FrequencyHz: 1000, MaxCount: 1023})
	require.NoError(t, err)

	read := func(name string) string {
		b, err := os.ReadFile(filepath.Join(chip, "pwm0", name))
		require.NoError(t, err)
		return string(b)
	}
	assert.Equal(t, "1000000", read("period"))
	assert.Equal(t, "1", read("enable"))

	require.NoError(t, p.SetDuty(512))
	assert.Equal(t, "500489", read("duty_cycle"))
}

func TestDutyNS_Clamps(t *testing.T) {
	assert.Equal(t, uint64(0), dutyNS(-5, 1023, 1000))
	assert.Equal(t, uint64(1000), dutyNS(5000, 1023, 1000))
	assert.Equal(t, uint64(0), dutyNS(10, 0, 1000))
}
