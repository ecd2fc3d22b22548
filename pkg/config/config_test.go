package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LookupHubModel(t *testing.T) {
	testcases := []struct {
		vid      uint16
		pid      uint16
		found    bool
		expected string
	}{
		{0x2109, 0x2817, true, "VIA Labs VL817 Hub (USB2)"},
		{0x2109, 0x0817, true, "VIA Labs VL817 Hub (USB3)"},
		{0x2109, 0x3431, false, ""},
		{0x0951, 0x2817, false, ""},
	}

	for _, tc := range testcases {
		model, ok := LookupHubModel(tc.vid, tc.pid)
		assert.Equal(t, tc.found, ok)
		if ok {
			assert.Equal(t, tc.expected, model.Description())
		}
	}
}

func Test_Validate(t *testing.T) {
	assert := require.New(t)
	cfg := NewDefault()
	assert.NoError(cfg.Validate())
	assert.Equal(50*time.Millisecond, cfg.SettleDelay)
	assert.Equal(time.Second, cfg.ControlTimeout)

	cfg.SimulatedHubs = -1
	assert.Error(cfg.Validate())

	cfg = NewDefault()
	cfg.ControlTimeout = 0
	assert.Error(cfg.Validate())

	cfg = NewDefault()
	cfg.PollInterval = 0
	assert.Error(cfg.Validate())
}
