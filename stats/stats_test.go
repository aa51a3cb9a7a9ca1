package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewStats(reg)
	require.NoError(t, err)

	s.RecordAPICall("quorum/list")
	s.RecordAPICall("quorum/list")
	s.RecordAPICall("chainlocks")
	assert.Equal(t, map[string]uint64{"quorum/list": 2, "chainlocks": 1}, s.GetAPICallStats())

	s.RecordPenalty("unsolicited", 10)
	s.RecordPenalty("unsolicited", 10)
	s.RecordPenalty("ignored", 0)
	assert.Equal(t, 20.0, testutil.ToFloat64(s.penalties.WithLabelValues("unsolicited")))

	s.SetActiveChainLockHeight(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(s.chainLockH))

	// 重复注册会失败
	_, err = NewStats(reg)
	assert.Error(t, err)
}

func TestNilStatsIsNoop(t *testing.T) {
	var s *Stats
	assert.NotPanics(t, func() {
		s.RecordAPICall("x")
		s.RecordPenalty("x", 1)
		s.RecordQDataServed("0")
		s.RecordChainLock("accepted")
		s.SetActiveChainLockHeight(1)
	})
	assert.Empty(t, s.GetAPICallStats())
}
