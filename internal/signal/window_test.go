package signal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowSnapshotMostRecent(t *testing.T) {
	w := NewWindow(5)
	w.Append([]float64{1, 2, 3}, []float64{10})
	w.Append([]float64{4, 5, 6, 7}, []float64{20, 30})

	ch1, ch2 := w.Snapshot(3)
	assert.Equal(t, []float64{5, 6, 7}, ch1)
	assert.Equal(t, []float64{10, 20, 30}, ch2)

	n1, n2 := w.Len()
	assert.Equal(t, 5, n1)
	assert.Equal(t, 3, n2)
}

func TestWindowShortSnapshot(t *testing.T) {
	w := NewWindow(10)
	ch1, ch2 := w.Snapshot(4)
	assert.Empty(t, ch1)
	assert.Empty(t, ch2)

	w.Append([]float64{1}, []float64{2})
	ch1, _ = w.Snapshot(4)
	assert.Equal(t, []float64{1}, ch1)
}

func TestWindowSnapshotIsCopy(t *testing.T) {
	w := NewWindow(4)
	w.Append([]float64{1, 2}, []float64{3, 4})
	ch1, _ := w.Snapshot(2)
	ch1[0] = 99
	again, _ := w.Snapshot(2)
	assert.Equal(t, []float64{1, 2}, again)
}

func TestWindowReset(t *testing.T) {
	w := NewWindow(0)
	w.Append([]float64{1}, []float64{1})
	w.Reset()
	n1, n2 := w.Len()
	assert.Zero(t, n1)
	assert.Zero(t, n2)
}

func TestWindowConcurrentAppendSnapshot(t *testing.T) {
	w := NewWindow(64)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			w.Append([]float64{float64(i)}, []float64{float64(-i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			ch1, _ := w.Snapshot(16)
			assert.LessOrEqual(t, len(ch1), 16)
		}
	}()
	wg.Wait()
	n1, _ := w.Len()
	assert.Equal(t, 64, n1)
}
