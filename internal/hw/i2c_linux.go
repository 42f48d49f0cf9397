//go:build linux

package hw

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// I2C_RDWR lets a register pointer write and the data read share one
// transaction (repeated start).
const (
	i2cMrd  = 0x0001
	i2cRdwr = 0x0707
)

type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

type i2cRdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

// I2CBus is an opened /dev/i2c-N. Transfers are serialized so several ADC
// channels can share one converter.
type I2CBus struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func OpenI2C(path string) (*I2CBus, error) {
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hw: open %s: %w", path, err)
	}
	return &I2CBus{f: f, path: path}, nil
}

func (b *I2CBus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

// Dev returns a register-level handle for the 7-bit address addr.
func (b *I2CBus) Dev(addr uint16) *I2CDev {
	return &I2CDev{bus: b, addr: addr}
}

type I2CDev struct {
	bus  *I2CBus
	addr uint16
}

// ReadReg16 reads a big-endian 16-bit register.
func (d *I2CDev) ReadReg16(reg byte) (uint16, error) {
	var buf [2]byte
	if err := d.tx([]byte{reg}, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

// WriteReg16 writes a big-endian 16-bit register.
func (d *I2CDev) WriteReg16(reg byte, v uint16) error {
	return d.tx([]byte{reg, byte(v >> 8), byte(v)}, nil)
}

func (d *I2CDev) tx(w, r []byte) error {
	if d == nil || d.bus == nil {
		return errors.New("hw: i2c device is nil")
	}
	if d.addr == 0 || d.addr > 0x7F {
		return fmt.Errorf("hw: invalid i2c addr 0x%X", d.addr)
	}

	msgs := make([]i2cMsg, 0, 2)
	if len(w) > 0 {
		msgs = append(msgs, i2cMsg{addr: d.addr, len: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))})
	}
	if len(r) > 0 {
		msgs = append(msgs, i2cMsg{addr: d.addr, flags: i2cMrd, len: uint16(len(r)), buf: uintptr(unsafe.Pointer(&r[0]))})
	}
	if len(msgs) == 0 {
		return nil
	}

	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	if d.bus.f == nil {
		return errors.New("hw: i2c bus closed")
	}
	data := i2cRdwrData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(len(msgs))}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.bus.f.Fd(), uintptr(i2cRdwr), uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return fmt.Errorf("hw: i2c 0x%02X on %s: %w", d.addr, d.bus.path, errno)
	}
	return nil
}
