//go:build !linux

package hw

type PWMSpec struct {
	Chip        string
	Channel     int
	FrequencyHz int
	MaxCount    int
}

func OpenPWM(PWMSpec) (PWM, error) { return nil, ErrUnsupported }
