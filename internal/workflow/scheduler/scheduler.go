package scheduler

import (
	"fmt"
	"sort"

	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workflow/resolver"
)

// Selector exposes the minimal contract the lifecycle engine needs to suggest
// the next dispatch batch.
type Selector interface {
	Runnable(RunnableRequest) (RunnableBatch, error)
}

// Scheduler implements Selector on top of a resolver snapshot. It walks the
// dependency queue, keeps the nodes that are runnable, and enforces the
// configured constraints.
type Scheduler struct {
	resolver *resolver.Resolver
}

// New wires a Scheduler to a resolver snapshot.
func New(res *resolver.Resolver) (*Scheduler, error) {
	if res == nil {
		return nil, fmt.Errorf("workflow: scheduler requires a resolver")
	}
	return &Scheduler{resolver: res}, nil
}

// RunnableRequest captures scheduling constraints.
type RunnableRequest struct {
	// Targets optionally narrows scheduling to a subset of tasks. When empty,
	// every unfinished task is considered.
	Targets []string
	// BatchSize limits how many runnable tasks are returned at once. Values <= 0
	// are treated as "no limit" (subject to MaxParallel enforcement).
	BatchSize int
	// MaxParallel caps how many tasks may hold a worker at once, counting the
	// in_progress tasks of the snapshot plus Running. Values <= 0 disable the
	// limit.
	MaxParallel int
	// Running lists extra task keys already dispatched but not yet recorded as
	// in_progress.
	Running []string
	// Hold, when set, withholds every runnable task with this note.
	Hold string
}

// RunnableBatch describes the scheduler's decision.
type RunnableBatch struct {
	Nodes   []*resolver.Node
	Skipped map[string]SkipReason
}

// Keys returns the task keys of the batch in dispatch order.
func (b RunnableBatch) Keys() []string {
	out := make([]string, 0, len(b.Nodes))
	for _, node := range b.Nodes {
		out = append(out, node.Key)
	}
	return out
}

// SkipReason explains why a task was excluded from the batch.
type SkipReason struct {
	Reason SkipReasonCode `json:"reason"`
	Detail string         `json:"detail,omitempty"`
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	SkipReasonNotReady    SkipReasonCode = "not-ready"
	SkipReasonHold        SkipReasonCode = "hold"
	SkipReasonConcurrency SkipReasonCode = "concurrency"
	SkipReasonBatchLimit  SkipReasonCode = "batch-limit"
	SkipReasonActive      SkipReasonCode = "already-running"
)

// Runnable returns a batch of runnable tasks constrained by the request.
// Within a batch, tasks keep the resolver's runnable order (ascending key).
func (s *Scheduler) Runnable(req RunnableRequest) (RunnableBatch, error) {
	queue, err := s.resolver.Queue(req.Targets...)
	if err != nil {
		return RunnableBatch{}, err
	}
	rq := newRunnableQueue(queue)
	running := s.runningSet(req)
	maxBatch := req.batchLimit(rq.Len(), len(running))
	result := RunnableBatch{}
	if maxBatch == 0 {
		if req.MaxParallel > 0 && len(running) >= req.MaxParallel {
			for _, node := range s.resolver.Ready() {
				result.addSkip(node.Key, SkipReason{Reason: SkipReasonConcurrency, Detail: fmt.Sprintf("max parallel %d reached", req.MaxParallel)})
			}
		}
		return result, nil
	}
	full := req.fullReason(maxBatch, len(running))
	for rq.Len() > 0 {
		node := rq.Pop()
		if node == nil {
			break
		}
		if _, runningAlready := running[node.Key]; runningAlready {
			result.addSkip(node.Key, SkipReason{Reason: SkipReasonActive, Detail: string(node.Status)})
			continue
		}
		if node.State != resolver.NodeStateReady {
			result.addSkip(node.Key, SkipReason{Reason: SkipReasonNotReady, Detail: string(node.State)})
			continue
		}
		if req.Hold != "" {
			result.addSkip(node.Key, SkipReason{Reason: SkipReasonHold, Detail: req.Hold})
			continue
		}
		if len(result.Nodes) >= maxBatch {
			result.addSkip(node.Key, full)
			continue
		}
		result.Nodes = append(result.Nodes, node)
	}
	return result, nil
}

// fullReason explains why ready tasks beyond a full batch were held back:
// free worker slots when MaxParallel is what bound the batch, the batch size
// otherwise.
func (req RunnableRequest) fullReason(maxBatch, runningCount int) SkipReason {
	if req.MaxParallel > 0 && maxBatch == req.MaxParallel-runningCount {
		return SkipReason{Reason: SkipReasonConcurrency, Detail: fmt.Sprintf("max parallel %d reached", req.MaxParallel)}
	}
	return SkipReason{Reason: SkipReasonBatchLimit, Detail: fmt.Sprintf("batch size %d reached", maxBatch)}
}

func (s *Scheduler) runningSet(req RunnableRequest) map[string]struct{} {
	set := make(map[string]struct{}, len(req.Running))
	for _, node := range s.resolver.Nodes() {
		if node.Status == task.StatusInProgress {
			set[node.Key] = struct{}{}
		}
	}
	for _, id := range req.Running {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

func (req RunnableRequest) batchLimit(queueLen int, runningCount int) int {
	limit := req.BatchSize
	if limit <= 0 || limit > queueLen {
		limit = queueLen
	}
	if req.MaxParallel > 0 {
		remaining := req.MaxParallel - runningCount
		if remaining <= 0 {
			return 0
		}
		if limit == 0 || limit > remaining {
			limit = remaining
		}
	}
	return limit
}

func (b *RunnableBatch) addSkip(id string, reason SkipReason) {
	if id == "" {
		return
	}
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}

// runnableQueue yields the nodes that cannot run first, in dependency order,
// then the ready nodes in key order.
type runnableQueue struct {
	nodes []*resolver.Node
}

func newRunnableQueue(nodes []*resolver.Node) *runnableQueue {
	if len(nodes) == 0 {
		return &runnableQueue{}
	}
	ordered := make([]*resolver.Node, 0, len(nodes))
	var rest []*resolver.Node
	for _, node := range nodes {
		if node.State == resolver.NodeStateReady {
			ordered = append(ordered, node)
		} else {
			rest = append(rest, node)
		}
	}
	sortByKey(ordered)
	return &runnableQueue{nodes: append(rest, ordered...)}
}

func (q *runnableQueue) Len() int {
	return len(q.nodes)
}

func (q *runnableQueue) Pop() *resolver.Node {
	if len(q.nodes) == 0 {
		return nil
	}
	node := q.nodes[0]
	q.nodes = q.nodes[1:]
	return node
}

func sortByKey(nodes []*resolver.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Key < nodes[j].Key })
}
