package ble

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDispatcherPreservesOrder(t *testing.T) {
	d := newDispatcher()
	go d.run()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		d.submit(func() {
			mu.Lock()
			got = append(got, i)
			n := len(got)
			mu.Unlock()
			if n == 100 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	d.close()
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	d := newDispatcher()
	block := make(chan struct{})
	ran := make(chan int, 3)

	d.submit(func() { <-block; ran <- 1 })
	d.submit(func() { ran <- 2 })
	d.close()

	exited := make(chan struct{})
	go func() {
		d.run()
		close(exited)
	}()
	close(block)

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not exit after close")
	}
	assert.Equal(t, 1, <-ran)
	assert.Equal(t, 2, <-ran)

	// Submissions after close still run.
	d.submit(func() { ran <- 3 })
	select {
	case v := <-ran:
		assert.Equal(t, 3, v)
	case <-time.After(2 * time.Second):
		t.Fatal("post-close task did not run")
	}
}
