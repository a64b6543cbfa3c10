package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Reconnects.WithLabelValues("chat").Inc()
	m.QueueDepth.Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects.WithLabelValues("chat")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth))

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
