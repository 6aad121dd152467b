package llm

import "fmt"

// BatchRequest is one outbound item destined for a provider's batch
// API: the barcode its namespaced custom_id is built from and the estimated serialized size of
// its payload (prompt text plus any attached images), used to keep
// each submitted chunk under the provider's request-body ceiling.
type BatchRequest struct {
	Barcode        string
	EstimatedBytes int64
}

// BatchChunk is one sub-batch ready for submission: every request in
// it fits within the configured payload ceiling.
type BatchChunk struct {
	ChunkIndex int
	CustomIDs  []string
	Barcodes   []string
	TotalBytes int64
	Oversized  bool // true if this chunk holds a single request that alone exceeds maxBytes
}

// BatchPlanner partitions outbound batch requests into payload-bounded
// chunks. It holds no I/O state — Plan is a pure function over its
// inputs, which is what makes the adaptive chunking logic testable
// without a provider SDK in the loop.
type BatchPlanner struct {
	RunID    string
	MaxBytes int64
}

// Plan greedily bin-packs requests into chunks no larger than
// p.MaxBytes, preserving input order within and across chunks so
// replaying a run against identical input produces identical chunking.
// A request whose EstimatedBytes alone exceeds MaxBytes gets its own
// chunk, flagged Oversized, rather than being silently dropped or
// submitted in an uncountable chunk.
func (p *BatchPlanner) Plan(requests []BatchRequest) []BatchChunk {
	if len(requests) == 0 {
		return nil
	}

	var chunks []BatchChunk
	var current BatchChunk
	current.ChunkIndex = 0

	flush := func() {
		if len(current.Barcodes) == 0 {
			return
		}
		chunks = append(chunks, current)
		current = BatchChunk{ChunkIndex: len(chunks)}
	}

	for _, req := range requests {
		if req.EstimatedBytes > p.MaxBytes {
			flush()
			chunks = append(chunks, BatchChunk{
				ChunkIndex: len(chunks),
				CustomIDs:  []string{p.customID(len(chunks), req.Barcode)},
				Barcodes:   []string{req.Barcode},
				TotalBytes: req.EstimatedBytes,
				Oversized:  true,
			})
			current.ChunkIndex = len(chunks)
			continue
		}

		if len(current.Barcodes) > 0 && current.TotalBytes+req.EstimatedBytes > p.MaxBytes {
			flush()
		}

		current.CustomIDs = append(current.CustomIDs, p.customID(current.ChunkIndex, req.Barcode))
		current.Barcodes = append(current.Barcodes, req.Barcode)
		current.TotalBytes += req.EstimatedBytes
	}
	flush()

	return chunks
}

// customID builds the namespaced identifier a batch result is matched
// back to its item by: <runID>-<chunk>-<barcode>.
func (p *BatchPlanner) customID(chunk int, barcode string) string {
	return BatchCustomID(p.RunID, chunk, barcode)
}

// BatchCustomID is the shared format a submitted request's custom_id is
// built with and later parsed against, so a provider result can be
// matched back to the barcode that produced it without the provider's
// wire format carrying the barcode as a separate field.
func BatchCustomID(runID string, chunk int, barcode string) string {
	return fmt.Sprintf("%s-%d-%s", runID, chunk, barcode)
}
