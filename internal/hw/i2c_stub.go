//go:build !linux

package hw

type I2CBus struct{}

func OpenI2C(string) (*I2CBus, error) { return nil, ErrUnsupported }

func (b *I2CBus) Close() error { return nil }

func (b *I2CBus) Dev(uint16) *I2CDev { return &I2CDev{} }

type I2CDev struct{}

func (d *I2CDev) ReadReg16(byte) (uint16, error) { return 0, ErrUnsupported }

func (d *I2CDev) WriteReg16(byte, uint16) error { return ErrUnsupported }
