package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/adfs-auth-go/storage"
)

func TestSetAndGet(t *testing.T) {
	s, err := New(100)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	data := []byte(`{"keys":[]}`)

	if err := s.Set(ctx, "https://adfs.example.com/adfs/discovery/keys", data, storage.WithNamespace("jwks")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	item, err := s.Get(ctx, "https://adfs.example.com/adfs/discovery/keys", storage.WithNamespace("jwks"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != string(data) {
		t.Fatalf("Get() returned wrong data: got %s, want %s", item.Data, data)
	}
}

func TestGetNonExistent(t *testing.T) {
	s, err := New(10)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func TestTTL(t *testing.T) {
	s, err := New(10)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v"), storage.WithTTL(20*time.Millisecond)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "k"); item == nil {
		t.Fatal("expected item before expiry")
	}

	time.Sleep(40 * time.Millisecond)

	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatal("expected item to have expired")
	}
}

func TestNamespaceIsolationAndDelete(t *testing.T) {
	s, err := New(100)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("global"))
	_ = s.Set(ctx, "k", []byte("jwks"), storage.WithNamespace("jwks"))
	_ = s.Set(ctx, "other", []byte("jwks-2"), storage.WithNamespace("jwks"))

	item, _ := s.Get(ctx, "k")
	if item == nil || string(item.Data) != "global" {
		t.Fatalf("global namespace polluted: %+v", item)
	}

	if err := s.Delete(ctx, storage.WithNamespace("jwks"), storage.WithKey("k")); err != nil {
		t.Fatalf("Delete() key failed: %v", err)
	}
	if item, _ := s.Get(ctx, "k", storage.WithNamespace("jwks")); item != nil {
		t.Fatal("expected key to be deleted")
	}
	if item, _ := s.Get(ctx, "other", storage.WithNamespace("jwks")); item == nil {
		t.Fatal("expected sibling key to survive single-key delete")
	}

	if err := s.Delete(ctx, storage.WithNamespace("jwks")); err != nil {
		t.Fatalf("Delete() namespace failed: %v", err)
	}
	if item, _ := s.Get(ctx, "other", storage.WithNamespace("jwks")); item != nil {
		t.Fatal("expected namespace to be cleared")
	}
	if item, _ := s.Get(ctx, "k"); item == nil {
		t.Fatal("namespace delete must not touch the global namespace")
	}
}
