package motor

import "fmt"

// Plant describes the stirrer motor as a first-order system.
type Plant struct {
	// Kv is the velocity constant in RPM per volt.
	Kv float64
	// TimeConstant is the mechanical time constant in seconds.
	TimeConstant float64
	// Damping is the desired closed-loop damping ratio.
	Damping float64
}

// Gains are PI gains in volts per RPM and volts per RPM·s.
type Gains struct {
	Kp float64
	Ki float64
}

// PolePlacement places the closed-loop natural frequency at the plant's
// open-loop pole (wn = wo = 1/T).
func PolePlacement(p Plant) (Gains, error) {
	if p.Kv <= 0 || p.TimeConstant <= 0 || p.Damping <= 0 {
		return Gains{}, fmt.Errorf("motor: plant constants must be positive (kv=%g T=%g zeta=%g)", p.Kv, p.TimeConstant, p.Damping)
	}
	wo := 1 / p.TimeConstant
	wn := wo
	return Gains{
		Kp: (2*p.Damping*wn/wo - 1) / p.Kv,
		Ki: wn * wn / (p.Kv * wo),
	}, nil
}
