// Package batch splits a job's ordered device list into fixed-size groups
// and computes the inter-batch delay needed to hit a target devices-per-hour
// rate.
package batch

import "time"

// Split divides deviceIDs into contiguous batches of at most batchSize,
// preserving input order. batchSize <= 0 yields a single batch containing
// all devices. The last batch may be shorter.
func Split(deviceIDs []string, batchSize int) [][]string {
	if len(deviceIDs) == 0 {
		return nil
	}
	if batchSize <= 0 || batchSize >= len(deviceIDs) {
		return [][]string{deviceIDs}
	}
	batches := make([][]string, 0, (len(deviceIDs)+batchSize-1)/batchSize)
	for start := 0; start < len(deviceIDs); start += batchSize {
		end := start + batchSize
		if end > len(deviceIDs) {
			end = len(deviceIDs)
		}
		batches = append(batches, deviceIDs[start:end])
	}
	return batches
}

// InterBatchDelay returns how long the controller should sleep after a batch
// to hold the fleet at devicesPerHour. Only the remainder of the per-batch
// time budget is charged: a batch that already ran longer than its budget
// sleeps zero, never a negative carried debt. devicesPerHour <= 0 disables
// throttling.
func InterBatchDelay(batchSize, devicesPerHour int, elapsed time.Duration) time.Duration {
	if devicesPerHour <= 0 || batchSize <= 0 {
		return 0
	}
	budget := time.Duration(float64(batchSize) * 3600 / float64(devicesPerHour) * float64(time.Second))
	if elapsed >= budget {
		return 0
	}
	return budget - elapsed
}
