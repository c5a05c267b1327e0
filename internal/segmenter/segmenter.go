// Package segmenter computes the initial partition of a Download's byte
// range into Segments, as a pure function with no engine dependency.
package segmenter

import (
	"fmt"

	"github.com/CloudflareHackers/QDM/internal/model"
)

// minBytesPerSegment (256KiB) sets how many segments a size allows: one per
// started 256KiB, rounded up, so a segment may be somewhat smaller than this.
const minBytesPerSegment = 256 * 1024

// Segment partitions [0, totalSize) into contiguous, disjoint segments.
// When totalSize is model.UnknownSize or resumable is false, it returns
// exactly one segment with unknown length.
func Segment(totalSize int64, resumable bool, maxSegments int) []*model.Segment {
	if totalSize == model.UnknownSize || !resumable {
		return []*model.Segment{
			{ID: segmentID(0), Offset: 0, Length: model.UnknownSize, State: model.SegmentNotStarted},
		}
	}

	// Ceiling division: a 1,000,000-byte file still yields 4 segments
	// under a cap of 4 rather than rounding down to 3.
	byBandwidth := int((totalSize + minBytesPerSegment - 1) / minBytesPerSegment)
	n := maxSegments
	if byBandwidth < n {
		n = byBandwidth
	}
	if n < 1 {
		n = 1
	}

	base := totalSize / int64(n)
	out := make([]*model.Segment, n)
	var offset int64
	for i := 0; i < n; i++ {
		length := base
		if i == n-1 {
			length = totalSize - offset // remainder rides on the last segment
		}
		out[i] = &model.Segment{
			ID:     segmentID(i),
			Offset: offset,
			Length: length,
			State:  model.SegmentNotStarted,
		}
		offset += length
	}
	return out
}

func segmentID(i int) string {
	return fmt.Sprintf("seg-%d", i)
}
