// Package synthetic provides a deterministic key-value workload and a toy
// transaction interpreter for exercising the concurrency core end to end:
// parallel execution must converge to the sequential baseline for every
// seed.
package synthetic

import "math/rand"

// NoWriter marks a read that fell through to pre-block state.
const NoWriter = int64(-1)

// Workload is a block of synthetic transactions with fixed read and write
// sets over a dense key space. A transaction's observable behavior is
// last-writer-wins per key, which makes the sequential baseline trivially
// computable and the parallel result exactly checkable.
type Workload struct {
	NumTxns int
	NumKeys int

	// ReadSets[i] and WriteSets[i] list the key ids transaction i touches.
	ReadSets  [][]int
	WriteSets [][]int
}

// Config controls workload generation.
type Config struct {
	NumTxns      int
	NumKeys      int
	ReadsPerTxn  int
	WritesPerTxn int

	// BarrierInterval > 0 makes every BarrierInterval-th transaction a
	// barrier that writes all keys, forcing dense cross-transaction
	// dependencies.
	BarrierInterval int

	Seed int64
}

// Generate builds a seeded random workload.
func Generate(cfg Config) *Workload {
	rng := rand.New(rand.NewSource(cfg.Seed))

	w := &Workload{
		NumTxns:   cfg.NumTxns,
		NumKeys:   cfg.NumKeys,
		ReadSets:  make([][]int, cfg.NumTxns),
		WriteSets: make([][]int, cfg.NumTxns),
	}

	for i := 0; i < cfg.NumTxns; i++ {
		if cfg.BarrierInterval > 0 && i > 0 && i%cfg.BarrierInterval == 0 {
			all := make([]int, cfg.NumKeys)
			for k := range all {
				all[k] = k
			}
			w.ReadSets[i] = pickKeys(rng, cfg.NumKeys, cfg.ReadsPerTxn)
			w.WriteSets[i] = all
			continue
		}

		w.ReadSets[i] = pickKeys(rng, cfg.NumKeys, cfg.ReadsPerTxn)
		w.WriteSets[i] = pickKeys(rng, cfg.NumKeys, cfg.WritesPerTxn)
	}
	return w
}

func pickKeys(rng *rand.Rand, numKeys int, count int) []int {
	if count > numKeys {
		count = numKeys
	}
	picked := make(map[int]struct{}, count)
	keys := make([]int, 0, count)
	for len(keys) < count {
		k := rng.Intn(numKeys)
		if _, ok := picked[k]; ok {
			continue
		}
		picked[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// ChainedConfig controls Chained generation.
type ChainedConfig struct {
	NumTxns int
	Seed    int64
}

// Chained builds a workload where every transaction (except the first)
// reads exactly one key written by one strictly earlier transaction,
// forming a dependency DAG with single edges.
func Chained(cfg ChainedConfig) *Workload {
	rng := rand.New(rand.NewSource(cfg.Seed))

	w := &Workload{
		NumTxns:   cfg.NumTxns,
		NumKeys:   cfg.NumTxns,
		ReadSets:  make([][]int, cfg.NumTxns),
		WriteSets: make([][]int, cfg.NumTxns),
	}

	// transaction i writes key i; transaction i > 0 reads the key of one
	// random earlier transaction
	for i := 0; i < cfg.NumTxns; i++ {
		w.WriteSets[i] = []int{i}
		if i > 0 {
			w.ReadSets[i] = []int{rng.Intn(i)}
		}
	}
	return w
}

// SequentialBaseline computes, for every transaction and every key it
// reads, the writer index a strictly sequential execution would observe.
func (w *Workload) SequentialBaseline() []map[int]int64 {
	lastWriter := make([]int64, w.NumKeys)
	for k := range lastWriter {
		lastWriter[k] = NoWriter
	}

	observed := make([]map[int]int64, w.NumTxns)
	for i := 0; i < w.NumTxns; i++ {
		reads := make(map[int]int64, len(w.ReadSets[i]))
		for _, k := range w.ReadSets[i] {
			reads[k] = lastWriter[k]
		}
		observed[i] = reads

		for _, k := range w.WriteSets[i] {
			lastWriter[k] = int64(i)
		}
	}
	return observed
}
