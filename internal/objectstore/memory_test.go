package objectstore

import (
	"context"
	"errors"
	"testing"
)

func TestMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	data := []byte("abc")
	if err := m.Put(ctx, "a/b.png", data, "image/png"); err != nil {
		t.Fatal(err)
	}
	data[0] = 'x'

	obj, err := m.Get(ctx, "a/b.png")
	if err != nil {
		t.Fatal(err)
	}
	if string(obj.Data) != "abc" || obj.ContentType != "image/png" {
		t.Errorf("Get() = %q %q, want abc image/png", obj.Data, obj.ContentType)
	}

	obj.Data[0] = 'y'
	again, _ := m.Get(ctx, "a/b.png")
	if string(again.Data) != "abc" {
		t.Errorf("stored data changed through a returned object: %q", again.Data)
	}

	if keys := m.Keys(); len(keys) != 1 || keys[0] != "a/b.png" {
		t.Errorf("Keys() = %v", keys)
	}
}
