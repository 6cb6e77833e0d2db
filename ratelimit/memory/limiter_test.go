package memorylimiter

import (
	"context"
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(map[string]Limit{"restore": {Limit: 3, Window: time.Minute}})

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(context.Background(), "restore", "acct-1")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := l.Allow(context.Background(), "restore", "acct-1")
	if err != nil {
		t.Fatalf("over-limit request: %v", err)
	}
	if ok {
		t.Error("fourth request within the window was allowed")
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l := New(map[string]Limit{"restore": {Limit: 1, Window: time.Minute}})

	if ok, _ := l.Allow(context.Background(), "restore", "acct-1"); !ok {
		t.Fatal("first key denied")
	}
	if ok, _ := l.Allow(context.Background(), "restore", "acct-2"); !ok {
		t.Error("second key throttled by first key's usage")
	}
	if ok, _ := l.Allow(context.Background(), "restore", "acct-1"); ok {
		t.Error("first key not throttled")
	}
}

func TestAllowFallsBackToDefaultBucket(t *testing.T) {
	l := New(map[string]Limit{"default": {Limit: 1, Window: time.Minute}})

	if ok, _ := l.Allow(context.Background(), "unconfigured", "k"); !ok {
		t.Fatal("first request denied")
	}
	if ok, _ := l.Allow(context.Background(), "unconfigured", "k"); ok {
		t.Error("default bucket limit not applied")
	}
}

func TestAllowRejectsEmptyArgs(t *testing.T) {
	l := New(nil)
	if _, err := l.Allow(context.Background(), "", "k"); err == nil {
		t.Error("empty bucket accepted")
	}
	if _, err := l.Allow(context.Background(), "b", ""); err == nil {
		t.Error("empty key accepted")
	}
}
