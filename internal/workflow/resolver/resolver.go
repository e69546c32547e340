package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/task"
)

// NodeState represents the resolver's understanding of a task's readiness.
type NodeState string

const (
	NodeStateReady    NodeState = "ready"
	NodeStateBlocked  NodeState = "blocked"
	NodeStateActive   NodeState = "active"
	NodeStateComplete NodeState = "complete"
	NodeStateHalted   NodeState = "halted"
)

// StatusMissing marks a dependency that names no known task.
const StatusMissing task.Status = "missing"

// Blocker is an unsatisfied dependency together with its current status.
type Blocker struct {
	Task   string      `json:"task"`
	Status task.Status `json:"status"`
}

// Node captures a task plus its effective dependency metadata.
type Node struct {
	Key    string
	Order  int
	Status task.Status
	// Explicit is true when the task declared its own dependency list.
	Explicit     bool
	Dependencies []string
	Dependents   []string

	State     NodeState
	BlockedBy []Blocker
}

// Resolver is an immutable snapshot of a feature's task graph.
type Resolver struct {
	nodes      map[string]*Node
	orderedIDs []string
}

// New builds the dependency graph for the given tasks. A task with an explicit
// dependency list depends on exactly those keys; every other task depends on
// all tasks with a strictly lower numeric order. Duplicate keys and cycles are
// configuration errors.
func New(tasks []task.Task) (*Resolver, error) {
	sorted := make([]task.Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		oi, oj := sorted[i].Order(), sorted[j].Order()
		if oi != oj {
			return oi < oj
		}
		return sorted[i].Key < sorted[j].Key
	})
	nodes := make(map[string]*Node, len(sorted))
	ordered := make([]string, 0, len(sorted))
	for _, t := range sorted {
		if _, dup := nodes[t.Key]; dup {
			return nil, errs.New(errs.KindInvalidArgument, "workflow", "duplicate task key %s", t.Key)
		}
		nodes[t.Key] = &Node{
			Key:      t.Key,
			Order:    t.Order(),
			Status:   t.Status,
			Explicit: t.HasExplicitDependencies(),
		}
		ordered = append(ordered, t.Key)
	}
	for _, t := range sorted {
		node := nodes[t.Key]
		if node.Explicit {
			node.Dependencies = dedupe(t.DependsOn)
		} else {
			for _, other := range sorted {
				if other.Order() < node.Order {
					node.Dependencies = append(node.Dependencies, other.Key)
				}
			}
		}
		for _, depID := range node.Dependencies {
			if dep, ok := nodes[depID]; ok {
				dep.Dependents = append(dep.Dependents, node.Key)
			}
		}
	}
	for _, node := range nodes {
		if len(node.Dependents) > 1 {
			sort.Strings(node.Dependents)
		}
	}
	r := &Resolver{nodes: nodes, orderedIDs: ordered}
	if cycle := r.findCycle(); len(cycle) > 0 {
		return nil, errs.New(errs.KindInvalidArgument, "workflow", "dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	r.evaluate()
	return r, nil
}

// Nodes returns the nodes in order, then key.
func (r *Resolver) Nodes() []*Node {
	out := make([]*Node, 0, len(r.orderedIDs))
	for _, id := range r.orderedIDs {
		out = append(out, r.nodes[id])
	}
	return out
}

// Node retrieves a specific task node.
func (r *Resolver) Node(key string) (*Node, bool) {
	node, ok := r.nodes[key]
	return node, ok
}

// Dependencies returns the effective dependency list of key.
func (r *Resolver) Dependencies(key string) []string {
	node, ok := r.nodes[key]
	if !ok {
		return nil
	}
	return append([]string(nil), node.Dependencies...)
}

// Ready returns pending tasks whose dependencies are all done, sorted by key.
func (r *Resolver) Ready() []*Node {
	var ready []*Node
	for _, node := range r.nodes {
		if node.State == NodeStateReady {
			ready = append(ready, node)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Key < ready[j].Key })
	return ready
}

// Runnable returns the keys of Ready.
func (r *Resolver) Runnable() []string {
	ready := r.Ready()
	out := make([]string, 0, len(ready))
	for _, node := range ready {
		out = append(out, node.Key)
	}
	return out
}

// BlockedBy maps each blocked pending task to its unsatisfied dependencies.
func (r *Resolver) BlockedBy() map[string][]Blocker {
	out := map[string][]Blocker{}
	for _, id := range r.orderedIDs {
		node := r.nodes[id]
		if node.State == NodeStateBlocked {
			out[id] = append([]Blocker(nil), node.BlockedBy...)
		}
	}
	return out
}

// Unmet lists the unsatisfied dependencies of key regardless of its status.
func (r *Resolver) Unmet(key string) []Blocker {
	node, ok := r.nodes[key]
	if !ok {
		return nil
	}
	return r.blockers(node)
}

// Queue returns tasks that must run to satisfy the requested targets. If no
// targets are provided, every unfinished task is considered. Dependencies are
// returned before the tasks that require them; done and cancelled tasks are
// skipped.
func (r *Resolver) Queue(targets ...string) ([]*Node, error) {
	if len(targets) == 0 {
		targets = append([]string{}, r.orderedIDs...)
	}
	visited := make(map[string]bool, len(targets))
	ordered := make([]*Node, 0, len(r.nodes))
	var visit func(string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		node, ok := r.nodes[id]
		if !ok {
			return fmt.Errorf("workflow: unknown task %s", id)
		}
		visited[id] = true
		for _, dep := range node.Dependencies {
			if _, known := r.nodes[dep]; !known {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		if node.State != NodeStateComplete && node.State != NodeStateHalted {
			ordered = append(ordered, node)
		}
		return nil
	}
	for _, id := range targets {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func (r *Resolver) evaluate() {
	for _, node := range r.nodes {
		node.BlockedBy = nil
		switch node.Status {
		case task.StatusDone:
			node.State = NodeStateComplete
		case task.StatusCancelled:
			node.State = NodeStateHalted
		case task.StatusPending:
			blockers := r.blockers(node)
			if len(blockers) == 0 {
				node.State = NodeStateReady
			} else {
				node.State = NodeStateBlocked
				node.BlockedBy = blockers
			}
		default:
			node.State = NodeStateActive
		}
	}
}

func (r *Resolver) blockers(node *Node) []Blocker {
	if len(node.Dependencies) == 0 {
		return nil
	}
	blockers := make([]Blocker, 0, len(node.Dependencies))
	for _, depID := range node.Dependencies {
		dep, ok := r.nodes[depID]
		switch {
		case !ok:
			blockers = append(blockers, Blocker{Task: depID, Status: StatusMissing})
		case dep.Status != task.StatusDone:
			blockers = append(blockers, Blocker{Task: depID, Status: dep.Status})
		}
	}
	if len(blockers) == 0 {
		return nil
	}
	return blockers
}

// findCycle runs a colouring DFS and returns the first cycle found as a path
// that starts and ends on the same key.
func (r *Resolver) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(r.nodes))
	var stack []string
	var cycle []string
	var visit func(string) bool
	visit = func(id string) bool {
		colour[id] = grey
		stack = append(stack, id)
		for _, dep := range r.nodes[id].Dependencies {
			if _, ok := r.nodes[dep]; !ok {
				continue
			}
			switch colour[dep] {
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[id] = black
		return false
	}
	for _, id := range r.orderedIDs {
		if colour[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
