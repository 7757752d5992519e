// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package keyedmutex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockSerialisesSameKey(t *testing.T) {
	m := New()
	var counter int64
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("topic-a")
			defer unlock()
			v := atomic.AddInt64(&counter, 1)
			if v != 1 {
				t.Errorf("expected exclusive access, got concurrent counter %d", v)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&counter, -1)
		}()
	}
	wg.Wait()
}

func TestLockDoesNotSerialiseDifferentKeys(t *testing.T) {
	m := New()
	start := make(chan struct{})
	done := make(chan struct{}, 2)

	for _, key := range []string{"topic-a", "topic-b"} {
		key := key
		go func() {
			<-start
			unlock := m.Lock(key)
			defer unlock()
			time.Sleep(50 * time.Millisecond)
			done <- struct{}{}
		}()
	}

	t0 := time.Now()
	close(start)
	<-done
	<-done
	if time.Since(t0) > 150*time.Millisecond {
		t.Fatal("expected locks on distinct keys to run concurrently")
	}
}
