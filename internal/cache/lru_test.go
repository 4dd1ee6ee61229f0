package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c, err := NewLRUWithTTL[string, int](4, 0)
	if err != nil {
		t.Fatalf("NewLRUWithTTL: %v", err)
	}
	defer c.Close()

	if _, ok := c.Get("well-a"); ok {
		t.Error("Empty cache should miss")
	}

	c.Set("well-a", 100)
	v, ok := c.Get("well-a")
	if !ok || v != 100 {
		t.Errorf("Got (%d, %v), want (100, true)", v, ok)
	}

	c.Set("well-a", 200)
	if v, _ := c.Get("well-a"); v != 200 {
		t.Errorf("Overwrite lost: got %d", v)
	}

	c.Delete("well-a")
	if _, ok := c.Get("well-a"); ok {
		t.Error("Deleted key should miss")
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewLRUWithTTL[string, int](3, 0)
	if err != nil {
		t.Fatalf("NewLRUWithTTL: %v", err)
	}
	defer c.Close()

	c.Set("well-a", 1)
	c.Set("well-b", 2)
	c.Set("well-c", 3)

	// Touch well-a so well-b is the eviction candidate.
	c.Get("well-a")
	c.Set("well-d", 4)

	if _, ok := c.Get("well-b"); ok {
		t.Error("well-b should have been evicted")
	}
	for _, key := range []string{"well-a", "well-c", "well-d"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("%s should still be cached", key)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
}

func TestTTLExpiry(t *testing.T) {
	c, err := NewLRUWithTTL[string, int](4, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewLRUWithTTL: %v", err)
	}
	defer c.Close()

	c.Set("well-a", 1)
	if _, ok := c.Get("well-a"); !ok {
		t.Fatal("Fresh entry should hit")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("well-a"); ok {
		t.Error("Expired entry should miss")
	}
}

func TestStats(t *testing.T) {
	c, err := NewLRUWithTTL[string, int](2, 0)
	if err != nil {
		t.Fatalf("NewLRUWithTTL: %v", err)
	}
	defer c.Close()

	c.Set("well-a", 1)
	c.Get("well-a")
	c.Get("well-a")
	c.Get("well-b")
	c.Set("well-b", 2)
	c.Set("well-c", 3) // evicts well-a

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("Hits/Misses = %d/%d, want 2/1", s.Hits, s.Misses)
	}
	if s.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", s.Evicted)
	}
	if s.Size != 2 {
		t.Errorf("Size = %d, want 2", s.Size)
	}
	want := 2.0 / 3.0
	if diff := s.HitRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("HitRate = %f, want %f", s.HitRate, want)
	}
}

func TestClear(t *testing.T) {
	c, err := NewLRUWithTTL[string, int](8, 0)
	if err != nil {
		t.Fatalf("NewLRUWithTTL: %v", err)
	}
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("well-%d", i), i)
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", c.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	c, err := NewLRUWithTTL[string, int](64, time.Minute)
	if err != nil {
		t.Fatalf("NewLRUWithTTL: %v", err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("well-%d", i%16)
				c.Set(key, g*1000+i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	s := c.Stats()
	if s.Hits+s.Misses != 8*200 {
		t.Errorf("Lost lookups under concurrency: %d", s.Hits+s.Misses)
	}
}
