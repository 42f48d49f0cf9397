package motor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolePlacement_StirrerDefaults(t *testing.T) {
	g, err := PolePlacement(Plant{Kv: 250, TimeConstant: 0.15, Damping: 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.004, g.Kp, 1e-12)
	assert.InDelta(t, 0.0266667, g.Ki, 1e-6)
}

func TestPolePlacement_RejectsNonPositive(t *testing.T) {
	_, err := PolePlacement(Plant{Kv: 250, TimeConstant: 0, Damping: 1})
	assert.Error(t, err)
}
