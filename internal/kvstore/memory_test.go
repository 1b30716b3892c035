package kvstore

import "testing"

func TestMemoryStoreSaveGet(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value []byte
	}{
		{name: "simple key", key: "alpha", value: []byte("hello")},
		{name: "empty value", key: "beta", value: []byte{}},
		{name: "binary value", key: "gamma", value: []byte{0x00, 0xff, 0x10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()

			if err := store.Save(tt.key, tt.value); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got, err := store.Get(tt.key)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != string(tt.value) {
				t.Errorf("got %q, want %q", got, tt.value)
			}
		})
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreRemove(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save("k", []byte("v"))

	if err := store.Remove("k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Get("k"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}

	if err := store.Remove("k"); err != nil {
		t.Errorf("removing an absent key should not error, got %v", err)
	}
}

func TestMemoryStoreClearAndKeys(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save("a", []byte("1"))
	_ = store.Save("b", []byte("2"))

	keys, err := store.Keys()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 keys, got %d", len(keys))
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	keys, err = store.Keys()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected 0 keys after clear, got %d", len(keys))
	}
}

func TestMemoryStoreIsAvailable(t *testing.T) {
	store := NewMemoryStore()
	if !store.IsAvailable() {
		t.Error("memory store should always be available")
	}
}

func TestMemoryStoreSaveCopiesValue(t *testing.T) {
	store := NewMemoryStore()
	value := []byte("original")
	_ = store.Save("k", value)

	value[0] = 'X'

	got, err := store.Get("k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "original" {
		t.Errorf("store should not alias caller's slice, got %q", got)
	}
}
