package testutil_test

import (
	"context"
	"errors"
	"testing"

	"github.com/threatpilot/remediator/internal/cloudflare"
	"github.com/threatpilot/remediator/internal/testutil"
)

func TestMockStore_KV(t *testing.T) {
	ctx := context.Background()

	t.Run("get absent key returns nil, nil", func(t *testing.T) {
		s := testutil.NewMockStore()
		v, err := s.Get(ctx, "missing")
		if err != nil || v != nil {
			t.Fatalf("expected nil, nil; got %v, %v", v, err)
		}
	})

	t.Run("put then get", func(t *testing.T) {
		s := testutil.NewMockStore()
		if err := s.Put(ctx, "k", []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		v, err := s.Get(ctx, "k")
		if err != nil || string(v) != "v" {
			t.Fatalf("expected v, nil; got %q, %v", v, err)
		}
	})

	t.Run("list is prefix-filtered and sorted", func(t *testing.T) {
		s := testutil.NewMockStore()
		for _, k := range []string{"blocked:b", "other:x", "blocked:a"} {
			_ = s.Put(ctx, k, nil)
		}
		keys, err := s.List(ctx, "blocked:")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(keys) != 2 || keys[0] != "blocked:a" || keys[1] != "blocked:b" {
			t.Fatalf("unexpected keys: %v", keys)
		}
	})

	t.Run("delete absent key is a no-op", func(t *testing.T) {
		s := testutil.NewMockStore()
		if err := s.Delete(ctx, "nope"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestMockStore_ErrorInjection(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMockStore()
	boom := errors.New("boom")

	s.SetError("Put", boom)
	if err := s.Put(ctx, "k", nil); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if err := s.Put(ctx, "k", nil); err != nil {
		t.Fatalf("error should be consumed, got %v", err)
	}

	s.SetKeyError("Delete", "b", boom)
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("other keys should be unaffected, got %v", err)
	}
	if err := s.Delete(ctx, "b"); !errors.Is(err, boom) {
		t.Fatalf("expected key-scoped error, got %v", err)
	}
	if got := s.Calls("Delete"); got != 2 {
		t.Errorf("Delete calls: got %d, want 2", got)
	}
}

func TestMockGateway(t *testing.T) {
	ctx := context.Background()
	g := testutil.NewMockGateway()

	r1, err := g.CreateBlockRule(ctx, cloudflare.TargetIP, "1.2.3.4", "note")
	if err != nil {
		t.Fatalf("CreateBlockRule: %v", err)
	}
	r2, _ := g.CreateBlockRule(ctx, cloudflare.TargetIP, "5.6.7.8", "note")
	if r1.ID == r2.ID {
		t.Fatalf("expected unique IDs, got %q twice", r1.ID)
	}

	rules, _ := g.ListRules(ctx)
	if len(rules) != 2 || rules[0].Mode != cloudflare.ModeBlock {
		t.Fatalf("unexpected rules: %+v", rules)
	}

	if err := g.DeleteRule(ctx, r1.ID); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	err = g.DeleteRule(ctx, r1.ID)
	var nf *cloudflare.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected *ErrNotFound on second delete, got %v", err)
	}
	if d := g.Deleted(); len(d) != 2 || d[0] != r1.ID {
		t.Errorf("Deleted(): %v", d)
	}

	g.SetError("ListRules", errors.New("down"))
	if _, err := g.ListRules(ctx); err == nil {
		t.Fatal("expected injected ListRules error")
	}
	if g.Calls("ListRules") != 2 {
		t.Errorf("ListRules calls: got %d", g.Calls("ListRules"))
	}
}
