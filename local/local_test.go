package local

import (
	"fmt"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	c := New(Config{Capacity: 8})

	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected miss on empty cache")
	}

	c.Set("k", Entry{Value: "v", Category: "c", ETag: "e"})
	e, ok := c.Get("k")
	if !ok || e.Value != "v" || e.Category != "c" || e.ETag != "e" {
		t.Fatalf("unexpected entry: ok=%v %+v", ok, e)
	}
	if e.StoredAt.IsZero() {
		t.Fatalf("StoredAt should be stamped on write")
	}

	if !c.Delete("k") {
		t.Fatalf("Delete should report presence")
	}
	if c.Delete("k") {
		t.Fatalf("second Delete should report absence")
	}
	if _, ok := c.Get("k"); ok {
		t.Fatalf("entry survived delete")
	}
}

// At capacity the least-recently-used entry goes, and a read counts as use.
func TestLRUEvictionOrder(t *testing.T) {
	c := New(Config{Capacity: 2})

	c.Set("a", Entry{Value: 1})
	c.Set("b", Entry{Value: 2})

	// touch "a" so "b" becomes the eviction candidate
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("warm read failed")
	}

	c.Set("c", Entry{Value: 3})

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected 'b' evicted as least recently used")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("expected %q to survive", k)
		}
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestMaxAgeExpiry(t *testing.T) {
	c := New(Config{Capacity: 8, MaxAge: 20 * time.Millisecond})

	c.Set("k", Entry{Value: "v"})
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("fresh entry should be present")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("entry outlived MaxAge")
	}
}

func TestOnEvictFires(t *testing.T) {
	evicted := make(map[string]int)
	c := New(Config{
		Capacity: 2,
		OnEvict:  func(key string, e Entry) { evicted[key]++ },
	})

	for i := 0; i < 4; i++ {
		c.Set(fmt.Sprintf("k%d", i), Entry{Value: i})
	}
	if evicted["k0"] != 1 || evicted["k1"] != 1 {
		t.Fatalf("capacity evictions not observed: %v", evicted)
	}

	// explicit delete also notifies
	c.Delete("k3")
	if evicted["k3"] != 1 {
		t.Fatalf("delete eviction not observed: %v", evicted)
	}
}

func TestKeysAndPurge(t *testing.T) {
	c := New(Config{Capacity: 8})
	for _, k := range []string{"a", "b", "c"} {
		c.Set(k, Entry{Value: k})
	}
	if got := c.Keys(); len(got) != 3 {
		t.Fatalf("Keys = %v", got)
	}
	c.Purge()
	if c.Len() != 0 || len(c.Keys()) != 0 {
		t.Fatalf("Purge left entries behind")
	}
}
