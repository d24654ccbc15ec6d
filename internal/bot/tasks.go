// Package bot fans one webhook update out to the right handler and owns
// the background task group the fan-out side effects run on.
package bot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// taskTimeout bounds one detached task; board refreshes and backup
// mirrors are single API calls and never legitimately run this long.
const taskTimeout = 30 * time.Second

// Tasks is a panic-safe task group for work that outlives the request
// that triggered it. Wait drains it during shutdown.
type Tasks struct {
	wg sync.WaitGroup
}

// Go runs fn detached with its own deadline. A panic in fn is logged and
// contained; it never takes the process down.
func (t *Tasks) Go(fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("background task panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until every spawned task finished.
func (t *Tasks) Wait() {
	t.wg.Wait()
}
