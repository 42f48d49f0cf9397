package hw

import (
	"fmt"
	"time"
)

var sleep = time.Sleep

// Minimal ADS1115 driver: single-shot, single-ended conversions.

const (
	ADS1115DefaultAddr = 0x48

	adsRegConversion = 0x00
	adsRegConfig     = 0x01

	adsOS       = 1 << 15
	adsModeOne  = 1 << 8
	adsDR860    = 0x7 << 5
	adsCompNone = 0x3

	adsPollTries = 5
)

// Full-scale ranges in volts indexed by the PGA field.
var adsFullScale = [...]float64{6.144, 4.096, 2.048, 1.024, 0.512, 0.256}

type reg16IO interface {
	ReadReg16(reg byte) (uint16, error)
	WriteReg16(reg byte, v uint16) error
}

// ADS1115 is one converter; Channel returns per-input ADC handles.
type ADS1115 struct {
	dev reg16IO
	pga uint16
	fsr float64
}

// NewADS1115 wraps an I2C device. fullScale picks the smallest PGA range
// that covers it (e.g. 3.3 → ±4.096 V).
func NewADS1115(dev *I2CDev, fullScale float64) (*ADS1115, error) {
	if dev == nil {
		return nil, fmt.Errorf("hw: ads1115 dev is nil")
	}
	return newADS1115(dev, fullScale)
}

func newADS1115(dev reg16IO, fullScale float64) (*ADS1115, error) {
	if fullScale <= 0 {
		return nil, fmt.Errorf("hw: ads1115 full scale %.3f must be positive", fullScale)
	}
	pga := 0
	for i := len(adsFullScale) - 1; i >= 0; i-- {
		if adsFullScale[i] >= fullScale {
			pga = i
			break
		}
	}
	return &ADS1115{dev: dev, pga: uint16(pga), fsr: adsFullScale[pga]}, nil
}

// Channel returns AIN<ch> measured against GND.
func (a *ADS1115) Channel(ch int) (ADC, error) {
	if ch < 0 || ch > 3 {
		return nil, fmt.Errorf("hw: ads1115 channel %d out of range", ch)
	}
	return &adsChannel{adc: a, ch: ch}, nil
}

func (a *ADS1115) configWord(ch int) uint16 {
	mux := uint16(0x4+ch) << 12
	return adsOS | mux | a.pga<<9 | adsModeOne | adsDR860 | adsCompNone
}

func (a *ADS1115) read(ch int) (float64, error) {
	if err := a.dev.WriteReg16(adsRegConfig, a.configWord(ch)); err != nil {
		return 0, fmt.Errorf("hw: ads1115 start AIN%d: %w", ch, err)
	}
	// 860 SPS converts in ~1.2 ms.
	for i := 0; ; i++ {
		sleep(1200 * time.Microsecond)
		cfg, err := a.dev.ReadReg16(adsRegConfig)
		if err != nil {
			return 0, fmt.Errorf("hw: ads1115 poll AIN%d: %w", ch, err)
		}
		if cfg&adsOS != 0 {
			break
		}
		if i+1 >= adsPollTries {
			return 0, fmt.Errorf("hw: ads1115 AIN%d conversion timeout", ch)
		}
	}
	raw, err := a.dev.ReadReg16(adsRegConversion)
	if err != nil {
		return 0, fmt.Errorf("hw: ads1115 read AIN%d: %w", ch, err)
	}
	v := float64(int16(raw)) * a.fsr / 32768.0
	if v < 0 {
		// Single-ended inputs cannot go below GND; noise around zero can.
		v = 0
	}
	return v, nil
}

type adsChannel struct {
	adc *ADS1115
	ch  int
}

func (c *adsChannel) Volts() (float64, error) {
	return c.adc.read(c.ch)
}
