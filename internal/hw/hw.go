// Package hw is the boundary between the control loops and the pins.
//
// Loops only see Switch, PWM and ADC. Backends are chosen at startup:
// gpiocdev lines, sysfs PWM and an ADS1115 over /dev/i2c-* on Linux, the
// simulator elsewhere.
package hw

import "errors"

var ErrUnsupported = errors.New("hw: unsupported on this platform")

// Switch is a digital output (pump, heater, LED).
type Switch interface {
	Set(on bool) error
	Close() error
}

// PWM is a duty-cycle output expressed in counts of its own resolution.
type PWM interface {
	SetDuty(counts int) error
	Close() error
}

// ADC is one analog input channel.
type ADC interface {
	Volts() (float64, error)
}

// EdgeFunc is called from a backend goroutine on every rising edge.
type EdgeFunc func()

// Closer releases an edge subscription.
type Closer interface {
	Close() error
}

// NopCloser is returned by backends that have nothing to release.
type NopCloser struct{}

func (NopCloser) Close() error { return nil }
