package database

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolStatsCollector_NotNil(t *testing.T) {
	c := NewPoolStatsCollector(nil, "sir")
	require.NotNil(t, c)
	assert.Equal(t, "sir", c.service)
}

func TestPoolStatsCollector_ImplementsCollector(t *testing.T) {
	var _ prometheus.Collector = NewPoolStatsCollector(nil, "sir")
}

func TestPoolStatsCollector_DescriptorNames(t *testing.T) {
	c := NewPoolStatsCollector(nil, "sir")

	ch := make(chan *prometheus.Desc, 20)
	c.Describe(ch)
	close(ch)

	var descs []string
	for d := range ch {
		descs = append(descs, d.String())
	}
	require.Len(t, descs, 12)

	for _, name := range []string{
		"sir_db_pool_acquired_connections",
		"sir_db_pool_idle_connections",
		"sir_db_pool_total_connections",
		"sir_db_pool_max_connections",
		"sir_db_pool_acquire_count_total",
		"sir_db_pool_max_idle_destroy_total",
	} {
		found := false
		for _, d := range descs {
			if strings.Contains(d, `"`+name+`"`) {
				found = true
				break
			}
		}
		assert.True(t, found, "expected descriptor %q", name)
	}
}

func TestRegisterPoolMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterPoolMetrics(reg, nil, "sir"))
	assert.Error(t, RegisterPoolMetrics(reg, nil, "sir"), "duplicate registration must fail")
}
