package datadog

import (
	"reflect"
	"testing"

	"warehouse/internal/metrics"
)

func TestLabelsToTags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   metrics.Labels
		want []string
	}{
		{name: "nil", in: nil, want: nil},
		{name: "empty", in: metrics.Labels{}, want: nil},
		{
			name: "sorted",
			in:   metrics.Labels{"step": "dedupe", "job": "warehouse", "status": "success"},
			want: []string{"job:warehouse", "status:success", "step:dedupe"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := labelsToTags(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("labelsToTags() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewBackend_RequiresAddr(t *testing.T) {
	t.Parallel()

	if _, err := NewBackend(Config{}); err == nil {
		t.Fatalf("NewBackend() error = nil, want error for empty Addr")
	}
}

func TestNewBackend_AppliesConfig(t *testing.T) {
	t.Parallel()

	b, err := NewBackend(Config{
		Addr:       "127.0.0.1:8125",
		Namespace:  "warehouse.",
		GlobalTags: []string{"env:test"},
	})
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	// UDP writes to a closed port do not fail synchronously.
	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": metrics.KindDeleted})
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, metrics.Labels{"step": "join"})
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

// A zero Backend has no client and must not panic.
func TestBackend_ZeroValue(t *testing.T) {
	t.Parallel()

	var b Backend
	b.IncCounter(metrics.StepTotal, 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, 1, nil)
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}
