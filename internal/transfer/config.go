package transfer

import "time"

// Config holds the Transfer Engine's tunables from spec §6's recognized
// startup options.
type Config struct {
	BatchSize             int
	InsertSubBatch        int
	MaxDuplicatesReported int
	RetryAttempts         int
	RetryBackoff          time.Duration
	ForceGCEveryBatch     bool
}

// DefaultConfig matches the literal constants spec §4.6 calls out: batch
// 500, sub-batch 50, duplicate cap 100, 3 attempts in all with a fixed 5s
// back-off between them.
func DefaultConfig() Config {
	return Config{
		BatchSize:             500,
		InsertSubBatch:        50,
		MaxDuplicatesReported: 100,
		RetryAttempts:         3,
		RetryBackoff:          5 * time.Second,
	}
}
