package router

import (
	"testing"
	"time"

	"github.com/routecodex/routecodex/pkg/protocol"
	"github.com/routecodex/routecodex/pkg/rcerr"
)

func testRouter(pools map[Category][]Pool) *Router {
	return New(Config{
		Pools:           pools,
		HealthThreshold: 3,
		HealthCooldown:  time.Minute,
	})
}

func target(provider, model string) *Target {
	return &Target{Provider: provider, Model: model}
}

func TestSelectNextPriorityOrder(t *testing.T) {
	r := testRouter(map[Category][]Pool{
		CategoryDefault: {
			{ID: "low", Priority: 1, Targets: []*Target{target("b", "m")}},
			{ID: "high", Priority: 10, Targets: []*Target{target("a", "m")}},
		},
	})

	got, err := r.SelectNext(Classification{Category: CategoryDefault}, nil)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if got.ID() != "a.m" {
		t.Errorf("picked %s, want the higher priority pool", got.ID())
	}
}

func TestUpdateSwapsRoutingTables(t *testing.T) {
	r := testRouter(map[Category][]Pool{
		CategoryDefault: {
			{ID: "p", Priority: 1, Targets: []*Target{target("old", "m")}},
		},
	})

	got, err := r.SelectNext(Classification{Category: CategoryDefault}, nil)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if got.ID() != "old.m" {
		t.Fatalf("picked %s", got.ID())
	}
	r.Health().Suspend("old.m", time.Minute)

	r.Update(Config{
		Pools: map[Category][]Pool{
			CategoryDefault: {
				{ID: "p", Priority: 1, Targets: []*Target{target("new", "m"), target("old", "m")}},
			},
		},
	})

	// The reloaded pool serves, and the cooldown recorded before the
	// reload still excludes the suspended target.
	for i := 0; i < 2; i++ {
		got, err = r.SelectNext(Classification{Category: CategoryDefault}, nil)
		if err != nil {
			t.Fatalf("SelectNext after update: %v", err)
		}
		if got.ID() != "new.m" {
			t.Errorf("picked %s, want the reloaded target", got.ID())
		}
	}
}

func TestSelectNextBackupPoolsLast(t *testing.T) {
	r := testRouter(map[Category][]Pool{
		CategoryDefault: {
			{ID: "backup", Priority: 100, Backup: true, Targets: []*Target{target("bak", "m")}},
			{ID: "primary", Priority: 1, Targets: []*Target{target("pri", "m")}},
		},
	})

	got, err := r.SelectNext(Classification{Category: CategoryDefault}, nil)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if got.ID() != "pri.m" {
		t.Errorf("picked %s, backup pool should come last", got.ID())
	}

	// With the primary excluded, the backup serves.
	got, err = r.SelectNext(Classification{Category: CategoryDefault}, map[string]bool{"pri.m": true})
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if got.ID() != "bak.m" {
		t.Errorf("picked %s, want the backup", got.ID())
	}
}

func TestSelectNextRoundRobin(t *testing.T) {
	r := testRouter(map[Category][]Pool{
		CategoryDefault: {
			{ID: "p", Priority: 1, Targets: []*Target{target("a", "m"), target("b", "m")}},
		},
	})

	var picks []string
	for i := 0; i < 4; i++ {
		got, err := r.SelectNext(Classification{Category: CategoryDefault}, nil)
		if err != nil {
			t.Fatalf("SelectNext: %v", err)
		}
		picks = append(picks, got.ID())
	}

	want := []string{"a.m", "b.m", "a.m", "b.m"}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("picks = %v, want %v", picks, want)
		}
	}
}

func TestSelectNextSkipsCooldown(t *testing.T) {
	r := testRouter(map[Category][]Pool{
		CategoryDefault: {
			{ID: "p", Priority: 1, Targets: []*Target{target("a", "m"), target("b", "m")}},
		},
	})
	r.Health().Suspend("a.m", time.Minute)

	for i := 0; i < 3; i++ {
		got, err := r.SelectNext(Classification{Category: CategoryDefault}, nil)
		if err != nil {
			t.Fatalf("SelectNext: %v", err)
		}
		if got.ID() != "b.m" {
			t.Errorf("picked %s while a.m is in cooldown", got.ID())
		}
	}
}

func TestSelectNextFallsBackToDefaultCategory(t *testing.T) {
	r := testRouter(map[Category][]Pool{
		CategoryCoding: {
			{ID: "p", Priority: 1, Targets: []*Target{target("code", "m")}},
		},
		CategoryDefault: {
			{ID: "p", Priority: 1, Targets: []*Target{target("def", "m")}},
		},
	})

	got, err := r.SelectNext(Classification{Category: CategoryCoding}, map[string]bool{"code.m": true})
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if got.ID() != "def.m" {
		t.Errorf("picked %s, want the default category fallback", got.ID())
	}
}

func TestSelectNextExhausted(t *testing.T) {
	r := testRouter(map[Category][]Pool{
		CategoryDefault: {
			{ID: "p", Priority: 1, Targets: []*Target{target("a", "m")}},
		},
	})

	_, err := r.SelectNext(Classification{Category: CategoryDefault}, map[string]bool{"a.m": true})
	if rcerr.KindOf(err) != rcerr.KindNoRouteAvailable {
		t.Errorf("kind = %q, want no_route_available", rcerr.KindOf(err))
	}
}

func TestSelectNextContextBands(t *testing.T) {
	small := &Target{Provider: "small", Model: "m", MaxContextTokens: 1000}
	big := &Target{Provider: "big", Model: "m", MaxContextTokens: 100000}

	r := testRouter(map[Category][]Pool{
		CategoryDefault: {
			{ID: "p", Priority: 1, Targets: []*Target{small, big}},
		},
	})

	// A prompt that overflows the small window should land on the big one
	// even though the small target comes first.
	got, err := r.SelectNext(Classification{Category: CategoryDefault, EstimatedTokens: 5000}, nil)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if got.ID() != "big.m" {
		t.Errorf("picked %s, want the target with headroom", got.ID())
	}
}

func TestSelectNextOverflow(t *testing.T) {
	small := &Target{Provider: "small", Model: "m", MaxContextTokens: 1000}

	strict := New(Config{
		Pools: map[Category][]Pool{
			CategoryDefault: {{ID: "p", Priority: 1, Targets: []*Target{small}}},
		},
	})
	_, err := strict.SelectNext(Classification{Category: CategoryDefault, EstimatedTokens: 5000}, nil)
	if rcerr.KindOf(err) != rcerr.KindNoRouteAvailable {
		t.Errorf("kind = %q, want no route when overflow is disallowed", rcerr.KindOf(err))
	}

	lenient := New(Config{
		Pools: map[Category][]Pool{
			CategoryDefault: {{ID: "p", Priority: 1, Targets: []*Target{small}}},
		},
		AllowOverflow: true,
	})
	got, err := lenient.SelectNext(Classification{Category: CategoryDefault, EstimatedTokens: 5000}, nil)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if got.ID() != "small.m" {
		t.Errorf("picked %s", got.ID())
	}
}

func TestSelectDirective(t *testing.T) {
	resolved := &Target{Provider: "glm", Model: "glm-4.6", MaxContextTokens: 128000}
	r := New(Config{
		Pools: map[Category][]Pool{},
		Resolve: func(provider, model string) (*Target, bool) {
			if provider == "glm" && model == "glm-4.6" {
				return resolved, true
			}
			return nil, false
		},
	})

	cls := Classification{
		Category:  CategoryDefault,
		Directive: &protocol.Directive{Provider: "glm", Model: "glm-4.6"},
	}

	got, err := r.SelectNext(cls, nil)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if got != resolved {
		t.Errorf("directive did not resolve to the configured target")
	}

	// Unresolvable directives still produce an inline target.
	inline := Classification{
		Category:  CategoryDefault,
		Directive: &protocol.Directive{Provider: "other", Model: "x"},
	}
	got, err = r.SelectNext(inline, nil)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if got.ID() != "other.x" {
		t.Errorf("inline target = %s", got.ID())
	}

	// An excluded or cooling directive target is a hard miss, never a
	// category fallback.
	if _, err := r.SelectNext(cls, map[string]bool{"glm.glm-4.6": true}); rcerr.KindOf(err) != rcerr.KindNoRouteAvailable {
		t.Errorf("excluded directive kind = %q", rcerr.KindOf(err))
	}
	r.Health().Suspend("glm.glm-4.6", time.Minute)
	if _, err := r.SelectNext(cls, nil); rcerr.KindOf(err) != rcerr.KindNoRouteAvailable {
		t.Errorf("cooling directive kind = %q", rcerr.KindOf(err))
	}
}
