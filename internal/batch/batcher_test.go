package batch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("device-%03d", i)
	}
	return ids
}

func TestSplit_BatchCountAndSizes(t *testing.T) {
	tests := []struct {
		name      string
		devices   int
		batchSize int
		wantSizes []int
	}{
		{"even split", 20, 10, []int{10, 10}},
		{"short last batch", 25, 10, []int{10, 10, 5}},
		{"single device", 1, 10, []int{1}},
		{"batch size zero means one batch", 10, 0, []int{10}},
		{"negative batch size means one batch", 10, -3, []int{10}},
		{"batch size larger than fleet", 4, 100, []int{4}},
		{"batch size one", 3, 1, []int{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := deviceIDs(tt.devices)
			batches := Split(ids, tt.batchSize)

			require.Len(t, batches, len(tt.wantSizes))
			for i, want := range tt.wantSizes {
				assert.Len(t, batches[i], want, "batch %d", i)
			}
		})
	}
}

func TestSplit_PreservesOrderWithoutDuplicates(t *testing.T) {
	ids := deviceIDs(23)
	batches := Split(ids, 7)

	var flattened []string
	for _, b := range batches {
		flattened = append(flattened, b...)
	}
	assert.Equal(t, ids, flattened)
}

func TestSplit_EmptyInput(t *testing.T) {
	assert.Nil(t, Split(nil, 10))
	assert.Nil(t, Split([]string{}, 10))
}

func TestInterBatchDelay(t *testing.T) {
	tests := []struct {
		name           string
		batchSize      int
		devicesPerHour int
		elapsed        time.Duration
		want           time.Duration
	}{
		{"no throttle when rate unset", 10, 0, time.Second, 0},
		{"no throttle when rate negative", 10, -1, time.Second, 0},
		// 10 devices at 60/hour -> 600s budget per batch.
		{"full budget when batch was instant", 10, 60, 0, 600 * time.Second},
		{"only the remainder is charged", 10, 60, 400 * time.Second, 200 * time.Second},
		{"slow batch is not double-penalized", 10, 60, 900 * time.Second, 0},
		{"exactly on budget", 10, 60, 600 * time.Second, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InterBatchDelay(tt.batchSize, tt.devicesPerHour, tt.elapsed)
			assert.Equal(t, tt.want, got)
		})
	}
}
