package turbostream

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricEncodeFrames           = []string{"turbostream", "encode", "frames"}
	MetricEncodeBytes            = []string{"turbostream", "encode", "bytes"}
	MetricEncodeDeferredCount    = []string{"turbostream", "encode", "deferred", "count"}
	MetricEncodeDeferredPending  = []string{"turbostream", "encode", "deferred", "pending"}
	MetricEncodeSettledCount     = []string{"turbostream", "encode", "settled", "count"}
	MetricEncodeAbortedCount     = []string{"turbostream", "encode", "aborted", "count"}
	MetricEncodeUnencodableCount = []string{"turbostream", "encode", "unencodable", "count"}
	MetricDecodeFrames           = []string{"turbostream", "decode", "frames"}
	MetricDecodeBytes            = []string{"turbostream", "decode", "bytes"}
	MetricDecodeSettledCount     = []string{"turbostream", "decode", "settled", "count"}
	MetricDecodeMalformedCount   = []string{"turbostream", "decode", "malformed", "count"}
	MetricDecodeIncompleteCount  = []string{"turbostream", "decode", "incomplete", "count"}
)

type TelemetryLabel string

var (
	LabelEvent      TelemetryLabel = "event"
	LabelDeferredID TelemetryLabel = "deferred_id"
	LabelFrame      TelemetryLabel = "frame"
	LabelError      TelemetryLabel = "error"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabel returns labels with l appended, never sharing the backing array of labels.
func withLabel(labels []metrics.Label, l metrics.Label) []metrics.Label {
	return append(labels[:len(labels):len(labels)], l)
}
