package blacklist

import (
	"context"
	"os"
	"testing"
	"time"

	logx "github.com/dygje/tgpro/pkg/logx"
)

func TestMemoryTemporaryExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	l := NewMemory(logx.Nop()).(*memoryList)
	l.now = func() time.Time { return now }

	if err := l.Block(ctx, "-100123", ReasonSlowMode, 10*time.Minute); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if ok, _ := l.Blocked(ctx, "-100123"); !ok {
		t.Fatal("expected target to be blocked")
	}

	now = now.Add(10 * time.Minute)
	if ok, _ := l.Blocked(ctx, "-100123"); ok {
		t.Fatal("expected entry to expire")
	}
	if st, _ := l.Stats(ctx); st.Temporary != 0 {
		t.Fatalf("expired entry not removed on check: %+v", st)
	}
}

func TestMemoryPermanentReplacesTemporary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemory(logx.Nop())

	_ = l.Block(ctx, "chat", ReasonFloodWait, time.Hour)
	_ = l.Block(ctx, "chat", ReasonChatForbidden, 0)
	// A later temporary block must not downgrade the permanent one.
	_ = l.Block(ctx, "chat", ReasonSlowMode, time.Minute)

	entries, err := l.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || !entries[0].Permanent || entries[0].Reason != ReasonChatForbidden {
		t.Fatalf("entries = %+v", entries)
	}
	st, _ := l.Stats(ctx)
	if st != (Stats{Permanent: 1, Temporary: 0, Total: 1}) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMemoryCleanupAndUnblock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	l := NewMemory(logx.Nop()).(*memoryList)
	l.now = func() time.Time { return now }

	_ = l.Block(ctx, "a", ReasonFloodWait, time.Minute)
	_ = l.Block(ctx, "b", ReasonFloodWait, time.Hour)
	_ = l.Block(ctx, "c", ReasonManual, 0)

	now = now.Add(2 * time.Minute)
	if n, _ := l.Cleanup(ctx); n != 1 {
		t.Fatalf("Cleanup removed %d, want 1", n)
	}
	_ = l.Unblock(ctx, "c")
	entries, _ := l.Entries(ctx)
	if len(entries) != 1 || entries[0].Target != "b" {
		t.Fatalf("entries = %+v", entries)
	}
	if err := l.Block(ctx, "  ", ReasonManual, 0); err != ErrEmptyTarget {
		t.Fatalf("empty target err = %v", err)
	}
}

func TestRedisList(t *testing.T) {
	addr := os.Getenv("TGPRO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TGPRO_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "tgpro-test:" + time.Now().Format("150405.000000") + ":"
	l, err := Open(Config{Driver: "redis", Addr: addr, Prefix: prefix}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_ = l.Unblock(ctx, "p")
		_ = l.Unblock(ctx, "t")
		_ = l.Close()
	})

	if err := l.Block(ctx, "t", ReasonFloodWait, time.Minute); err != nil {
		t.Fatalf("Block temp: %v", err)
	}
	if err := l.Block(ctx, "p", ReasonChatForbidden, 0); err != nil {
		t.Fatalf("Block perm: %v", err)
	}
	for _, target := range []string{"t", "p"} {
		if ok, err := l.Blocked(ctx, target); err != nil || !ok {
			t.Fatalf("Blocked(%s) = %v, %v", target, ok, err)
		}
	}
	st, err := l.Stats(ctx)
	if err != nil || st.Total != 2 {
		t.Fatalf("stats = %+v, %v", st, err)
	}
	entries, err := l.Entries(ctx)
	if err != nil || len(entries) != 2 || entries[0].Target != "p" {
		t.Fatalf("entries = %+v, %v", entries, err)
	}
	if err := l.Unblock(ctx, "t"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if ok, _ := l.Blocked(ctx, "t"); ok {
		t.Fatal("t still blocked")
	}
}
