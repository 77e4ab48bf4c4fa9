package parcel

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource serves in-memory features.
type sliceSource struct {
	feats []Feature
	err   error
}

func (s *sliceSource) Format() string { return "memory" }
func (s *sliceSource) SRID() int      { return 0 }

func (s *sliceSource) Read(_ context.Context, fn func(Feature) error) error {
	for i, f := range s.feats {
		f.Index = i
		if err := fn(f); err != nil {
			return err
		}
	}
	return s.err
}

func feature(id, value string) Feature {
	return Feature{
		Properties: map[string]string{"parcel_id": id, "market_value": value},
		Geometry:   square(-82.1, 26.9, 0.001),
	}
}

// readAll runs both passes and returns the records by position.
func readAll(t *testing.T, src Source, n *Normalizer) (*Plan, *Tally, []Parcel) {
	t.Helper()
	plan, err := Scan(context.Background(), src, n)
	require.NoError(t, err)
	records := make([]Parcel, plan.Records)
	tally, err := Stream(context.Background(), src, n, plan, func(pos int, p Parcel) error {
		records[pos] = p
		return nil
	})
	require.NoError(t, err)
	return plan, tally, records
}

func TestStream_DedupesLastWinsAtFirstPosition(t *testing.T) {
	src := &sliceSource{feats: []Feature{
		feature("A", "1"),
		feature("B", "2"),
		feature("A", "3"),
		feature("C", "4"),
		feature("B", "5"),
		feature("A", "6"),
	}}

	plan, _, records := readAll(t, src, newTestNormalizer(t, "canonical", 15))

	assert.Equal(t, 6, plan.SourceCount)
	assert.Equal(t, 3, plan.Duplicates)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{records[0].ParcelID, records[1].ParcelID, records[2].ParcelID})
	assert.InDelta(t, 6, *records[0].MarketValue, 1e-9)
	assert.Equal(t, 5, records[0].SourceIndex)
	assert.InDelta(t, 5, *records[1].MarketValue, 1e-9)
}

func TestStream_EmitsWinnersLate(t *testing.T) {
	src := &sliceSource{feats: []Feature{
		feature("A", "1"),
		feature("B", "2"),
		feature("A", "3"),
	}}
	n := newTestNormalizer(t, "canonical", 15)
	plan, err := Scan(context.Background(), src, n)
	require.NoError(t, err)

	var order []int
	_, err = Stream(context.Background(), src, n, plan, func(pos int, _ Parcel) error {
		order = append(order, pos)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, order)
}

func TestScan_CountsRejections(t *testing.T) {
	feats := []Feature{
		feature("A", "1"),
		{Properties: map[string]string{"owner_name": "no id"}},
		{Properties: map[string]string{"parcel_id": "B"}},
	}
	for i := 0; i < maxRejectionSamples+5; i++ {
		feats = append(feats, Feature{Properties: map[string]string{"parcel_id": fmt.Sprint(i), "county_code": "99"}})
	}

	plan, tally, records := readAll(t, &sliceSource{feats: feats}, newTestNormalizer(t, "canonical", 15))

	assert.Len(t, records, 2)
	assert.Equal(t, 2, plan.Records)
	assert.Equal(t, maxRejectionSamples+6, plan.RejectedCount)
	assert.Len(t, plan.Rejections, maxRejectionSamples)
	assert.Equal(t, 1, plan.Rejections[0].Index)
	assert.Equal(t, 1, tally.GeometryMissing)
}

func TestScan_SourceError(t *testing.T) {
	boom := errors.New("disk gone")
	_, err := Scan(context.Background(), &sliceSource{err: boom}, newTestNormalizer(t, "canonical", 15))
	assert.ErrorIs(t, err, boom)
}

func TestStream_SourceChanged(t *testing.T) {
	n := newTestNormalizer(t, "canonical", 15)
	src := &sliceSource{feats: []Feature{feature("A", "1"), feature("B", "2")}}
	plan, err := Scan(context.Background(), src, n)
	require.NoError(t, err)

	tests := []struct {
		name  string
		feats []Feature
	}{
		{"record removed", []Feature{feature("A", "1")}},
		{"record added", []Feature{feature("A", "1"), feature("B", "2"), feature("C", "3")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Stream(context.Background(), &sliceSource{feats: tt.feats}, n, plan,
				func(int, Parcel) error { return nil })
			assert.ErrorIs(t, err, ErrSourceChanged)
		})
	}
}
