package health

import (
	"context"
	"testing"
	"time"
)

func TestRegistry_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(ctx context.Context) Status {
		return Status{Name: "a", Healthy: true}
	})
	r.Register("b", func(ctx context.Context) Status {
		return Status{Name: "b", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("expected aggregate healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistry_OneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("ok", func(ctx context.Context) Status {
		return Status{Name: "ok", Healthy: true}
	})
	r.Register("bad", func(ctx context.Context) Status {
		return Status{Name: "bad", Healthy: false, Detail: "boom"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected aggregate unhealthy")
	}
	if statuses[1].Detail != "boom" {
		t.Fatalf("expected detail propagated, got %q", statuses[1].Detail)
	}
}

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected no statuses, got %d", len(statuses))
	}
}

func TestStalenessChecker(t *testing.T) {
	now := time.Now()
	check := StalenessChecker("price_feed", time.Minute, func() time.Time { return now })
	if st := check(context.Background()); !st.Healthy {
		t.Fatalf("fresh timestamp should be healthy: %+v", st)
	}

	check = StalenessChecker("price_feed", time.Minute, func() time.Time { return now.Add(-2 * time.Minute) })
	if st := check(context.Background()); st.Healthy {
		t.Fatalf("stale timestamp should be unhealthy: %+v", st)
	}

	check = StalenessChecker("price_feed", time.Minute, func() time.Time { return time.Time{} })
	if st := check(context.Background()); !st.Healthy {
		t.Fatalf("never-fetched should not page anyone: %+v", st)
	}
}
