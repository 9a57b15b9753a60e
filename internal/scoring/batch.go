package scoring

import (
	"runtime"
	"sync"
)

// BatchInput is one text to decide together with its neighbor confidence.
type BatchInput struct {
	Text         string
	NeighborConf float64
}

// DecideBatch decides every input on a bounded worker pool. Results are in
// input order. workers <= 0 picks a size from the CPU count.
func (e *RuleEngine) DecideBatch(inputs []BatchInput, workers int) []DecisionResult {
	results := make([]DecisionResult, len(inputs))
	if len(inputs) == 0 {
		return results
	}
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	if workers > len(inputs) {
		workers = len(inputs)
	}

	idxCh := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idxCh {
				results[i] = e.Decide(inputs[i].Text, inputs[i].NeighborConf)
			}
		}()
	}
	for i := range inputs {
		idxCh <- i
	}
	close(idxCh)
	wg.Wait()
	return results
}

// DefaultWorkers sizes a CPU-bound pool between 2 and 12 workers.
func DefaultWorkers() int {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 12 {
		workers = 12
	}
	return workers
}
