//go:build linux

package hw

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// sysfsPWM drives one channel under /sys/class/pwm.
//
// Duty is given in counts of [0, maxCount] and mapped onto the period so the
// motor loop can keep the firmware's 10-bit resolution independent of the
// carrier frequency.
type sysfsPWM struct {
	chipPath string
	pwmPath  string
	channel  int
	maxCount int
	periodNS uint64
}

var pwmSysfsBase = "/sys/class/pwm"

// PWMSpec selects a sysfs PWM channel. An empty Chip picks the first
// pwmchip that exposes at least Channel+1 channels.
type PWMSpec struct {
	Chip        string
	Channel     int
	FrequencyHz int
	MaxCount    int
}

// OpenPWM exports and enables the channel at zero duty.
func OpenPWM(spec PWMSpec) (PWM, error) {
	if spec.FrequencyHz <= 0 {
		return nil, fmt.Errorf("hw: invalid pwm frequency %d", spec.FrequencyHz)
	}
	if spec.MaxCount <= 0 {
		return nil, fmt.Errorf("hw: invalid pwm max count %d", spec.MaxCount)
	}
	chipPath, err := findPWMChip(spec.Chip, spec.Channel)
	if err != nil {
		return nil, err
	}
	d := &sysfsPWM{
		chipPath: chipPath,
		channel:  spec.Channel,
		pwmPath:  filepath.Join(chipPath, fmt.Sprintf("pwm%d", spec.Channel)),
		maxCount: spec.MaxCount,
		periodNS: uint64(1_000_000_000 / spec.FrequencyHz),
	}
	if err := d.ensureExported(); err != nil {
		return nil, err
	}
	// Disable before changing period (common sysfs requirement).
	_ = d.writeBool("enable", false)
	if err := d.writeUint("duty_cycle", 0); err != nil {
		return nil, fmt.Errorf("hw: pwm duty_cycle: %w", err)
	}
	if err := d.writeUint("period", d.periodNS); err != nil {
		return nil, fmt.Errorf("hw: pwm period: %w", err)
	}
	if err := d.writeBool("enable", true); err != nil {
		return nil, fmt.Errorf("hw: pwm enable: %w", err)
	}
	return d, nil
}

func findPWMChip(preferred string, channel int) (string, error) {
	if preferred != "" {
		if filepath.IsAbs(preferred) {
			return preferred, nil
		}
		return filepath.Join(pwmSysfsBase, preferred), nil
	}
	entries, err := os.ReadDir(pwmSysfsBase)
	if err != nil {
		return "", fmt.Errorf("hw: read %s: %w", pwmSysfsBase, err)
	}
	// pwmchipN entries are commonly symlinks, not directories.
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "pwmchip") {
			continue
		}
		chip := filepath.Join(pwmSysfsBase, e.Name())
		n, err := readInt(filepath.Join(chip, "npwm"))
		if err != nil || n <= channel {
			continue
		}
		return chip, nil
	}
	return "", fmt.Errorf("hw: no sysfs pwmchip with channel %d (is the pwm overlay enabled?)", channel)
}

func (d *sysfsPWM) ensureExported() error {
	if _, err := os.Stat(d.pwmPath); err == nil {
		return nil
	}
	if err := writeSysfs(filepath.Join(d.chipPath, "export"), strconv.Itoa(d.channel)); err != nil {
		if _, statErr := os.Stat(d.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("hw: export pwm: %w", err)
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(d.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(d.pwmPath); err != nil {
		return fmt.Errorf("hw: pwm path not created after export: %w", err)
	}
	return nil
}

func (d *sysfsPWM) SetDuty(counts int) error {
	return d.writeUint("duty_cycle", dutyNS(counts, d.maxCount, d.periodNS))
}

// Close stops the output at zero duty.
func (d *sysfsPWM) Close() error {
	_ = d.writeUint("duty_cycle", 0)
	return d.writeBool("enable", false)
}

func dutyNS(counts, maxCount int, periodNS uint64) uint64 {
	if counts <= 0 || maxCount <= 0 {
		return 0
	}
	if counts >= maxCount {
		return periodNS
	}
	return uint64(math.Round(float64(periodNS) * float64(counts) / float64(maxCount)))
}

func (d *sysfsPWM) writeUint(name string, v uint64) error {
	return writeSysfs(filepath.Join(d.pwmPath, name), strconv.FormatUint(v, 10))
}

func (d *sysfsPWM) writeBool(name string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(filepath.Join(d.pwmPath, name), val)
}

// writeSysfs opens without O_TRUNC/O_CREATE, which some attributes reject.
// Right after export udev may still be fixing permissions, so EACCES and
// ENOENT are retried for a short while.
func writeSysfs(path string, value string) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := writeOnce(path, value)
		if err == nil {
			return nil
		}
		if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		return err
	}
}

func writeOnce(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(value)
	return errors.Join(werr, f.Close())
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) ||
		errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("hw: %s is empty", path)
	}
	return strconv.Atoi(s)
}
