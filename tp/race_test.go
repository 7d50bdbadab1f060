package tp

import (
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestRace_Push_Pop(t *testing.T) {
	// Meant to be run with `go test -race`: one goroutine plays the dispatcher
	// feeding responses, the other the application draining them.
	q := NewServiceQueue(16)

	var wg sync.WaitGroup
	wg.Add(2)

	stopCh := make(chan struct{})

	go func() {
		defer wg.Done()
		for {
			select {
			case <-stopCh:
				return
			default:
				_, _ = q.Pop()
				_ = q.Len()
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			size := rand.Intn(50) + 1
			_ = q.Push(Service{Data: make([]byte, size)})
			time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		}
		close(stopCh)
	}()

	wg.Wait()
}
