//go:build linux

package hw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestI2CDev_InvalidAddr(t *testing.T) {
	b, err := OpenI2C("/dev/null")
	require.NoError(t, err)
	defer b.Close()

	for _, addr := range []uint16{0, 0x80} {
		err := b.Dev(addr).WriteReg16(0x01, 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid i2c addr")
	}
}

func TestI2CDev_ClosedBus(t *testing.T) {
	b, err := OpenI2C("/dev/null")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = b.Dev(0x48).ReadReg16(0x00)
	assert.ErrorContains(t, err, "closed")
}
