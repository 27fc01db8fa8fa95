package cost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAccumulates(t *testing.T) {
	var a Accumulator
	a.Add(0.01)
	a.Add(0.02)
	a.Add(0.005)
	assert.InDelta(t, 0.035, a.Total(), 1e-9)
}

func TestAddIgnoresNonPositive(t *testing.T) {
	var a Accumulator
	a.Add(0.01)
	a.Add(0)
	a.Add(-5)
	assert.InDelta(t, 0.01, a.Total(), 1e-9)
}

func TestAddConcurrentSafe(t *testing.T) {
	var a Accumulator
	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Add(0.001)
		}()
	}
	wg.Wait()
	assert.InDelta(t, 1.0, a.Total(), 1e-6)
}
