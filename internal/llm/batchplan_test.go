package llm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatchPlannerPlan_empty(t *testing.T) {
	p := &BatchPlanner{RunID: "run1", MaxBytes: 1000}
	chunks := p.Plan(nil)
	require.Nil(t, chunks)
}

func TestBatchPlannerPlan_singleChunkWhenUnderCeiling(t *testing.T) {
	p := &BatchPlanner{RunID: "run1", MaxBytes: 1000}
	reqs := []BatchRequest{
		{Barcode: "A1", EstimatedBytes: 100},
		{Barcode: "A2", EstimatedBytes: 100},
		{Barcode: "A3", EstimatedBytes: 100},
	}

	chunks := p.Plan(reqs)
	require.Len(t, chunks, 1)
	require.Equal(t, []string{"A1", "A2", "A3"}, chunks[0].Barcodes)
	require.Equal(t, int64(300), chunks[0].TotalBytes)
	require.False(t, chunks[0].Oversized)
}

func TestBatchPlannerPlan_splitsAcrossCeiling(t *testing.T) {
	p := &BatchPlanner{RunID: "run1", MaxBytes: 250}
	reqs := []BatchRequest{
		{Barcode: "A1", EstimatedBytes: 100},
		{Barcode: "A2", EstimatedBytes: 100},
		{Barcode: "A3", EstimatedBytes: 100},
		{Barcode: "A4", EstimatedBytes: 100},
	}

	chunks := p.Plan(reqs)
	require.Len(t, chunks, 2)
	require.Equal(t, []string{"A1", "A2"}, chunks[0].Barcodes)
	require.Equal(t, []string{"A3", "A4"}, chunks[1].Barcodes)
}

func TestBatchPlannerPlan_oversizedRequestGetsOwnChunk(t *testing.T) {
	p := &BatchPlanner{RunID: "run1", MaxBytes: 100}
	reqs := []BatchRequest{
		{Barcode: "A1", EstimatedBytes: 50},
		{Barcode: "A2", EstimatedBytes: 500},
		{Barcode: "A3", EstimatedBytes: 50},
	}

	chunks := p.Plan(reqs)
	require.Len(t, chunks, 3)
	require.Equal(t, []string{"A1"}, chunks[0].Barcodes)
	require.False(t, chunks[0].Oversized)
	require.Equal(t, []string{"A2"}, chunks[1].Barcodes)
	require.True(t, chunks[1].Oversized)
	require.Equal(t, []string{"A3"}, chunks[2].Barcodes)
}

func TestBatchPlannerPlan_customIDNamespacing(t *testing.T) {
	p := &BatchPlanner{RunID: "run-42", MaxBytes: 1000}
	chunks := p.Plan([]BatchRequest{{Barcode: "B99", EstimatedBytes: 10}})

	require.Len(t, chunks, 1)
	require.Equal(t, []string{"run-42-0-B99"}, chunks[0].CustomIDs)
}
