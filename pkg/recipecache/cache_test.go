package recipecache

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "recipes.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutAndGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	url := "https://example.com/recipes/carbonara"
	body := []byte(`{"title":"Carbonara","ingredients":["eggs","guanciale"]}`)

	if _, ok := c.Get(ctx, url); ok {
		t.Fatal("hit before put")
	}
	if err := c.Put(ctx, url, body); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok := c.Get(ctx, url)
	if !ok {
		t.Fatal("miss after put")
	}
	if string(got) != string(body) {
		t.Errorf("body = %q, want %q", got, body)
	}
}

func TestGetIsExactURL(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "https://example.com/a", []byte("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := c.Get(ctx, "https://example.com/a?utm_source=x"); ok {
		t.Error("different URL hit the cache")
	}
}

func TestPutReplaces(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	url := "https://example.com/recipes/stew"
	if err := c.Put(ctx, url, []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Put(ctx, url, []byte("v2")); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, ok := c.Get(ctx, url)
	if !ok || string(got) != "v2" {
		t.Errorf("got %q, %v, want \"v2\", true", got, ok)
	}
}

func TestHasCountsNothing(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "https://example.com/a", []byte("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err := c.Has(ctx, "https://example.com/a")
	if err != nil || !ok {
		t.Fatalf("has = %v, %v, want true, nil", ok, err)
	}
	ok, err = c.Has(ctx, "https://example.com/missing")
	if err != nil || ok {
		t.Fatalf("has = %v, %v, want false, nil", ok, err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Has counted hits=%d misses=%d", stats.Hits, stats.Misses)
	}
}

func TestStatsAndClear(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, "https://example.com/a", []byte("a"))
	c.Put(ctx, "https://example.com/b", []byte("b"))
	c.Get(ctx, "https://example.com/a")
	c.Get(ctx, "https://example.com/missing")

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Entries != 2 || stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want entries=2 hits=1 misses=1", stats)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	stats, err = c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats after clear: %v", err)
	}
	if stats.Entries != 0 {
		t.Errorf("entries after clear = %d, want 0", stats.Entries)
	}
}

func TestHashURLStable(t *testing.T) {
	a := HashURL("https://example.com/recipe")
	b := HashURL("https://example.com/recipe")
	if a != b {
		t.Errorf("hash not stable: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64", len(a))
	}
}
