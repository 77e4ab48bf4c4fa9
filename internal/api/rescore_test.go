package api

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/parcel-cli/internal/parcel"
	"github.com/sells-group/parcel-cli/internal/risk"
	"github.com/sells-group/parcel-cli/internal/sink"
	"github.com/sells-group/parcel-cli/internal/tracker"
)

type stubScorer struct {
	mu     sync.Mutex
	calls  []int
	failOn map[int]error
}

func (s *stubScorer) ScoreCounty(_ context.Context, county int) (*risk.RunStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, county)
	if err := s.failOn[county]; err != nil {
		return nil, err
	}
	return &risk.RunStats{County: county, Scored: 1, HazardSnapshot: "abc"}, nil
}

func TestRescorer_RunOnce(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	for _, county := range []int{15, 17, 18} {
		fips, err := parcel.MustCounties().FIPS(county)
		require.NoError(t, err)
		_, err = b.Sink.Upsert(ctx, sink.Request{
			Records:  []parcel.Parcel{{CountyCode: county, ParcelID: "A", CountyFIPS: fips}},
			BatchRef: "run-1",
		})
		require.NoError(t, err)
	}
	// County 17 has an import in flight.
	h, err := b.Tracker.BeginBatch(ctx, tracker.BatchKey{RunID: "run-2", County: 17, Seq: 1}, 1)
	require.NoError(t, err)
	require.NoError(t, b.Tracker.StartBatch(ctx, h))

	scorer := &stubScorer{failOn: map[int]error{18: errors.New("snapshot unavailable")}}
	res, err := NewRescorer(b.Parcels, b.Tracker, scorer).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{15}, res.Scored)
	assert.Equal(t, []int{17}, res.Skipped)
	assert.Equal(t, []int{18}, res.Failed)
	assert.Equal(t, []int{15, 18}, scorer.calls, "busy counties are never scored")
}

func TestRescorer_BusyFromScorerIsSkipped(t *testing.T) {
	b := newBackend(t)
	loadBatch(t, b, 1, "A")

	scorer := &stubScorer{failOn: map[int]error{15: risk.ErrCountyBusy}}
	res, err := NewRescorer(b.Parcels, b.Tracker, scorer).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{15}, res.Skipped)
	assert.Empty(t, res.Failed)
}

func TestRescorer_Schedule(t *testing.T) {
	b := newBackend(t)
	r := NewRescorer(b.Parcels, b.Tracker, &stubScorer{})

	assert.Error(t, r.Start(context.Background(), "every tuesday"))
	require.NoError(t, r.Start(context.Background(), "0 3 * * *"))
	r.Stop()
}
