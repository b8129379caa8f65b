package executor

import (
	"sync"

	"github.com/onflow/block-stm/model"
	"github.com/onflow/block-stm/scheduler"
)

// commitProcessor funnels post-commit work into a single goroutine. The
// scheduler's post-commit queue yields indices in order, but tasks are
// popped by racing workers, so arrivals may be slightly reordered; the
// processor re-sequences them and invokes the committer strictly in index
// order, as the delayed-field store requires.
type commitProcessor struct {
	committer Committer
	sched     *scheduler.Scheduler

	closeOnce sync.Once
	inputChan chan model.TxnIndex
	doneChan  chan struct{}
	err       error
}

func newCommitProcessor(committer Committer, sched *scheduler.Scheduler) *commitProcessor {
	p := &commitProcessor{
		committer: committer,
		sched:     sched,
		inputChan: make(chan model.TxnIndex, 128),
		doneChan:  make(chan struct{}),
	}

	go p.run()
	return p
}

func (p *commitProcessor) enqueue(txnIndex model.TxnIndex) {
	select {
	case p.inputChan <- txnIndex:
	case <-p.doneChan:
		// processor exited (an earlier commit failed and halted the block)
	}
}

func (p *commitProcessor) run() {
	defer close(p.doneChan)

	var next model.TxnIndex
	pending := make(map[model.TxnIndex]struct{})

	for txnIndex := range p.inputChan {
		if p.err != nil {
			// keep draining so enqueue never blocks
			continue
		}

		pending[txnIndex] = struct{}{}
		for {
			if _, ok := pending[next]; !ok {
				break
			}
			delete(pending, next)

			if err := p.committer.CommitTransaction(next); err != nil {
				p.err = err
				p.sched.Halt()
				break
			}
			next++
		}
	}
}

// stop closes the intake and waits for the processor to drain, returning
// the first commit error if there was one.
func (p *commitProcessor) stop() error {
	p.closeOnce.Do(func() {
		close(p.inputChan)
	})
	<-p.doneChan
	return p.err
}
