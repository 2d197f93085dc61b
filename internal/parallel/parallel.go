// Package parallel provides chunked data-parallel execution helpers for
// CPU kernels. Each worker owns a disjoint index range, so kernels that
// write only their own output rows are safe by construction.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 16, // One reduction row is already a decent unit of work.
	}
}

// For executes f(i) for i in [0, n) with optional parallelism.
// Falls back to sequential execution if parallelism is disabled or n is
// too small to amortize goroutine startup.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || n < cfg.MinChunkSize {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)

	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// ForRows runs f(row) for every row of a flattened [rows x rowLen]
// buffer. It is For with a chunk-size heuristic tuned for reduction
// kernels: short rows get batched so each goroutine does enough work.
func ForRows(rows, rowLen int, f func(row int), cfg Config) {
	if rowLen > 0 && rowLen < 256 {
		cfg.MinChunkSize = max(cfg.MinChunkSize, 256/rowLen)
	}
	For(rows, f, cfg)
}
