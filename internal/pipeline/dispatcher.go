package pipeline

import (
	"context"
	"sync"
)

// Dispatcher runs per-vehicle work on a fixed number of workers.
type Dispatcher struct {
	workers int
}

func NewDispatcher(workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{workers: workers}
}

// Dispatch calls fn once per vehicle. Cancellation is checked before each
// vehicle starts; a vehicle already in progress runs to completion. It
// returns ctx.Err() when any vehicle was skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, vehicles []string, fn func(ctx context.Context, vehicleID string)) error {
	jobs := make(chan string)
	var wg sync.WaitGroup

	for i := 0; i < d.workers && i < len(vehicles); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := range jobs {
				fn(ctx, v)
			}
		}()
	}

	var err error
send:
	for _, v := range vehicles {
		if err = ctx.Err(); err != nil {
			break
		}
		select {
		case jobs <- v:
		case <-ctx.Done():
			err = ctx.Err()
			break send
		}
	}
	close(jobs)
	wg.Wait()
	return err
}
