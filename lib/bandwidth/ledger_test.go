package bandwidth

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

func TestRequiredRelayBytes(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.RecordDownload(1000))
	require.NoError(t, l.RecordRelay(300))
	assert.Equal(t, uint64(700), l.RequiredRelayBytes())

	require.NoError(t, l.RecordRelay(700))
	assert.Equal(t, uint64(0), l.RequiredRelayBytes())
	assert.InDelta(t, 1.0, l.RelayRatio(), 1e-9)

	require.NoError(t, l.RecordRelay(500))
	assert.Equal(t, uint64(0), l.RequiredRelayBytes(), "surplus relaying never goes negative")
}

func TestRelayRatioWithoutDownloads(t *testing.T) {
	l := NewLedger()
	assert.Equal(t, 0.0, l.RelayRatio())
	require.NoError(t, l.RecordRelay(100))
	assert.Equal(t, 0.0, l.RelayRatio())
}

func TestIsProportional(t *testing.T) {
	tests := []struct {
		relayed uint64
		want    bool
	}{
		{960, true},
		{1000, true},
		{1040, true},
		{900, false},
		{1100, false},
	}
	for _, tt := range tests {
		tot := Totals{Downloaded: 1000, Relayed: tt.relayed}
		got, err := tot.IsProportional(0.05)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "relayed %d", tt.relayed)
	}
}

func TestIsProportionalRejectsBadThreshold(t *testing.T) {
	l := NewLedger()
	for _, th := range []float64{-0.01, 1.01, math.NaN()} {
		_, err := l.IsProportional(th)
		assert.True(t, errs.Is(err, errs.Validation), "threshold %v", th)
	}
	for _, th := range []float64{0, 1} {
		_, err := l.IsProportional(th)
		assert.NoError(t, err)
	}
}

func TestNegativeInputRejected(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.RecordDownload(10))
	for _, f := range []func(int64) error{l.RecordDownload, l.RecordUpload, l.RecordRelay} {
		err := f(-1)
		assert.True(t, errs.Is(err, errs.Validation))
	}
	assert.Equal(t, Totals{Downloaded: 10}, l.Totals(), "rejected input leaves counters untouched")
}

func TestLedgerConcurrentRecording(t *testing.T) {
	l := NewLedger()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = l.RecordDownload(1)
				_ = l.RecordUpload(2)
				_ = l.RecordRelay(3)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, Totals{Downloaded: 16000, Uploaded: 32000, Relayed: 48000}, l.Totals())
}
