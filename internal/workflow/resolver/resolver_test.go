package resolver

import (
	"reflect"
	"strings"
	"testing"

	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/task"
)

func pending(key string, deps ...string) task.Task {
	t := task.Task{Key: key, Status: task.StatusPending}
	if deps != nil {
		t.DependsOn = deps
	}
	return t
}

func withStatus(t task.Task, s task.Status) task.Task {
	t.Status = s
	return t
}

func explicitNone(key string) task.Task {
	return task.Task{Key: key, Status: task.StatusPending, DependsOn: []string{}}
}

func mustResolve(t *testing.T, tasks ...task.Task) *Resolver {
	t.Helper()
	r, err := New(tasks)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return r
}

func TestImplicitOrderingBlocksOnLowerOrders(t *testing.T) {
	r := mustResolve(t,
		withStatus(pending("01-a"), task.StatusDone),
		pending("02-b"),
		pending("03-c"),
	)
	if got := r.Runnable(); !reflect.DeepEqual(got, []string{"02-b"}) {
		t.Fatalf("runnable = %v, want [02-b]", got)
	}
	blocked := r.BlockedBy()
	want := []Blocker{{Task: "02-b", Status: task.StatusPending}}
	if !reflect.DeepEqual(blocked["03-c"], want) {
		t.Fatalf("03-c blocked by %+v, want %+v", blocked["03-c"], want)
	}
	if deps := r.Dependencies("03-c"); !reflect.DeepEqual(deps, []string{"01-a", "02-b"}) {
		t.Fatalf("implicit deps = %v", deps)
	}
}

func TestExplicitDependenciesOverrideOrdering(t *testing.T) {
	r := mustResolve(t,
		withStatus(pending("01-a"), task.StatusInProgress),
		pending("02-b", "01-a"),
		explicitNone("03-c"),
	)
	if got := r.Runnable(); !reflect.DeepEqual(got, []string{"03-c"}) {
		t.Fatalf("runnable = %v, want [03-c]", got)
	}
	want := []Blocker{{Task: "01-a", Status: task.StatusInProgress}}
	if got := r.BlockedBy()["02-b"]; !reflect.DeepEqual(got, want) {
		t.Fatalf("02-b blocked by %+v", got)
	}
}

func TestSameOrderTasksAreIndependentAndSortedByKey(t *testing.T) {
	r := mustResolve(t,
		withStatus(pending("01-setup"), task.StatusDone),
		pending("02-ui"),
		pending("02-api"),
	)
	if got := r.Runnable(); !reflect.DeepEqual(got, []string{"02-api", "02-ui"}) {
		t.Fatalf("runnable = %v", got)
	}
}

func TestDoneOnlySatisfiesDependencies(t *testing.T) {
	for _, status := range []task.Status{task.StatusCancelled, task.StatusFailed, task.StatusPartial, task.StatusBlocked} {
		r := mustResolve(t, withStatus(pending("01-a"), status), pending("02-b"))
		if len(r.Runnable()) != 0 {
			t.Fatalf("%s dependency should block, runnable=%v", status, r.Runnable())
		}
		if got := r.Unmet("02-b"); len(got) != 1 || got[0].Status != status {
			t.Fatalf("unmet for %s = %+v", status, got)
		}
	}
}

func TestUnknownDependencyIsUnmet(t *testing.T) {
	r := mustResolve(t, pending("01-a", "00-ghost"))
	got := r.Unmet("01-a")
	if len(got) != 1 || got[0].Task != "00-ghost" || got[0].Status != StatusMissing {
		t.Fatalf("unmet = %+v", got)
	}
}

func TestCyclesAreRejected(t *testing.T) {
	cases := map[string][]task.Task{
		"explicit pair": {pending("01-a", "02-b"), pending("02-b", "01-a")},
		"self":          {pending("01-a", "01-a")},
		"through implicit": {
			pending("01-a", "03-c"),
			pending("02-b"),
			pending("03-c", "02-b"),
		},
	}
	for name, tasks := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(tasks)
			if err == nil {
				t.Fatalf("expected cycle error")
			}
			if !errs.Is(err, errs.KindInvalidArgument) || !strings.Contains(err.Error(), "cycle") {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestDuplicateKeysAreRejected(t *testing.T) {
	if _, err := New([]task.Task{pending("01-a"), pending("01-a")}); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}

func TestQueueOrdersDependenciesFirst(t *testing.T) {
	r := mustResolve(t,
		withStatus(pending("01-a"), task.StatusDone),
		pending("02-b"),
		pending("03-c", "02-b"),
		withStatus(pending("04-d", "01-a"), task.StatusCancelled),
	)
	queue, err := r.Queue("03-c")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	var keys []string
	for _, node := range queue {
		keys = append(keys, node.Key)
	}
	if !reflect.DeepEqual(keys, []string{"02-b", "03-c"}) {
		t.Fatalf("queue = %v", keys)
	}
	if _, err := r.Queue("99-none"); err == nil {
		t.Fatalf("expected unknown task error")
	}
	dependents := mustNode(t, r, "01-a").Dependents
	if !reflect.DeepEqual(dependents, []string{"02-b", "04-d"}) {
		t.Fatalf("dependents of 01-a = %v", dependents)
	}
}

func TestNodeStates(t *testing.T) {
	r := mustResolve(t,
		withStatus(pending("01-a"), task.StatusDone),
		withStatus(explicitNone("02-b"), task.StatusInProgress),
		withStatus(explicitNone("03-c"), task.StatusCancelled),
		explicitNone("04-d"),
		pending("05-e"),
	)
	want := map[string]NodeState{
		"01-a": NodeStateComplete,
		"02-b": NodeStateActive,
		"03-c": NodeStateHalted,
		"04-d": NodeStateReady,
		"05-e": NodeStateBlocked,
	}
	for key, state := range want {
		if got := mustNode(t, r, key).State; got != state {
			t.Fatalf("%s state = %s, want %s", key, got, state)
		}
	}
}

func mustNode(t *testing.T, r *Resolver, key string) *Node {
	t.Helper()
	node, ok := r.Node(key)
	if !ok {
		t.Fatalf("node %s not found", key)
	}
	return node
}
