package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("0.0.0.0:23456", "1.0.0")
	require.NotNil(t, m)

	tests := []struct {
		name   string
		metric interface{}
	}{
		{"UDPSimpleMessages", m.UDPSimpleMessages},
		{"UDPInvalidVersion", m.UDPInvalidVersion},
		{"V0InvalidType", m.V0InvalidType},
		{"V0InvalidMultipartHeader", m.V0InvalidMultipartHeader},
		{"V0Commands", m.V0Commands},
		{"UnknownCommands", m.UnknownCommands},
		{"V0MultipartMessages", m.V0MultipartMessages},
		{"V0Fragments", m.V0Fragments},
		{"V0InvalidChecksum", m.V0InvalidChecksum},
		{"V0InvalidFragments", m.V0InvalidFragments},
		{"DroppedFragments", m.DroppedFragments},
		{"Holes", m.Holes},
		{"FailedSends", m.FailedSends},
		{"Exceptions", m.Exceptions},
		{"UnhandledObjects", m.UnhandledObjects},
		{"PendingMessages", m.PendingMessages},
		{"PendingBytes", m.PendingBytes},
		{"CacheHits", m.CacheHits},
		{"CacheMisses", m.CacheMisses},
		{"CacheEvictions", m.CacheEvictions},
		{"TrackedPorts", m.TrackedPorts},
		{"Info", m.Info},
	}
	for _, tt := range tests {
		assert.NotNil(t, tt.metric, tt.name)
	}
}

func TestMetrics_Reporter(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("0.0.0.0:23456", "1.0.0")

	m.ReceivedUDPSimpleMessage()
	m.ReceivedUDPSimpleMessage()
	m.ReceivedUDPInvalidVersion()
	m.ReceivedV0Command()
	m.ReceivedUnknownCommand()
	m.ReceivedV0MultipartMessage()
	m.FailedToSend()
	m.FoundHolesFromNewMessage(3)
	m.FoundHolesFromDeadPort(5)
	m.FoundHolesFromDeadPort(1)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.UDPSimpleMessages))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UDPInvalidVersion))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.V0Commands))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UnknownCommands))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.V0MultipartMessages))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FailedSends))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Holes.WithLabelValues("new_message")))
	assert.Equal(t, float64(6), testutil.ToFloat64(m.Holes.WithLabelValues("dead_port")))
}

func TestMetrics_Histograms(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("0.0.0.0:23456", "1.0.0")

	m.ReceivedV0MultipartFragment(0)
	m.ReceivedV0MultipartFragment(3)
	m.MissingFragmentInDroppedMessage(1, 4)
	m.ReceivedV0InvalidChecksum(4)

	mfs, err := Registry.Gather()
	require.NoError(t, err)

	counts := map[string]uint64{}
	for _, mf := range mfs {
		if h := mf.GetMetric()[0].GetHistogram(); h != nil {
			counts[mf.GetName()] = h.GetSampleCount()
		}
	}
	assert.Equal(t, uint64(2), counts["plogd_v0_fragment_index"])
	assert.Equal(t, uint64(1), counts["plogd_dropped_fragment_index"])
	assert.Equal(t, uint64(1), counts["plogd_v0_invalid_checksum_fragments"])
	assert.Equal(t, uint64(0), counts["plogd_v0_invalid_fragment_index"])
}

func TestInitMetrics_SeveralListeners(t *testing.T) {
	freshRegistry(t)

	a := InitMetrics("0.0.0.0:23456", "1.0.0")
	b := InitMetrics("0.0.0.0:23457", "1.0.0")
	a.ReceivedUDPSimpleMessage()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.UDPSimpleMessages))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.UDPSimpleMessages))
	assert.Same(t, a.Info, b.Info)

	// the same listener again reuses its counters
	again := InitMetrics("0.0.0.0:23456", "1.0.0")
	assert.Equal(t, float64(1), testutil.ToFloat64(again.UDPSimpleMessages))
}
