package task

import (
	"context"
	"fmt"
)

// PlanTask is one entry of a feature plan as delivered by the plan service.
type PlanTask struct {
	Name string
	// Order is the numeric prefix; zero means "next free".
	Order int
	// DependsOn mirrors Task.DependsOn: nil keeps implicit ordering.
	DependsOn []string
}

// SyncResult reports what a synchronization changed.
type SyncResult struct {
	Created []string `json:"created"`
	Removed []string `json:"removed"`
	Kept    []string `json:"kept"`
	Manual  []string `json:"manual"`
	Updated []string `json:"updated"`
}

// SyncPlan is the set of writes a synchronization will perform. Build one with
// PlanSync, inspect or validate it, then Apply it.
type SyncPlan struct {
	Feature string
	Create  []Task
	Remove  []string
	Update  map[string][]string
	Result  SyncResult
}

// PlanSync compares the existing tasks with the plan. Manual tasks are never
// touched. Plan tasks that have left pending (including done and cancelled
// ones) are kept. Pending plan tasks missing from the plan are removed, and
// pending plan tasks still in it get their explicit dependencies refreshed.
func PlanSync(feature string, existing []Task, planned []PlanTask) (SyncPlan, error) {
	plan := SyncPlan{Feature: feature, Update: map[string][]string{}}
	keys, err := planKeys(existing, planned)
	if err != nil {
		return SyncPlan{}, err
	}
	wanted := make(map[string]PlanTask, len(planned))
	for i, key := range keys {
		wanted[key] = planned[i]
	}
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t.Key] = true
		if t.Origin == OriginManual {
			plan.Result.Manual = append(plan.Result.Manual, t.Key)
			continue
		}
		p, inPlan := wanted[t.Key]
		if t.Status != StatusPending {
			plan.Result.Kept = append(plan.Result.Kept, t.Key)
			continue
		}
		if !inPlan {
			plan.Remove = append(plan.Remove, t.Key)
			plan.Result.Removed = append(plan.Result.Removed, t.Key)
			continue
		}
		plan.Result.Kept = append(plan.Result.Kept, t.Key)
		if !sameDependencies(t.DependsOn, p.DependsOn) {
			plan.Update[t.Key] = cloneDeps(p.DependsOn)
			plan.Result.Updated = append(plan.Result.Updated, t.Key)
		}
	}
	for i, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		plan.Create = append(plan.Create, Task{
			Key:       key,
			Feature:   feature,
			Status:    StatusPending,
			Origin:    OriginPlan,
			DependsOn: cloneDeps(planned[i].DependsOn),
		})
		plan.Result.Created = append(plan.Result.Created, key)
	}
	return plan, nil
}

// Prospective returns the task set as it will look once the plan is applied.
func (p SyncPlan) Prospective(existing []Task) []Task {
	removed := make(map[string]bool, len(p.Remove))
	for _, key := range p.Remove {
		removed[key] = true
	}
	out := make([]Task, 0, len(existing)+len(p.Create))
	for _, t := range existing {
		if removed[t.Key] {
			continue
		}
		t = t.Clone()
		if deps, ok := p.Update[t.Key]; ok {
			t.DependsOn = cloneDeps(deps)
		}
		out = append(out, t)
	}
	for _, t := range p.Create {
		out = append(out, t.Clone())
	}
	sortTasks(out)
	return out
}

// Apply performs the planned writes against store.
func (p SyncPlan) Apply(ctx context.Context, store Store) (SyncResult, error) {
	for _, key := range p.Remove {
		if err := store.Delete(ctx, p.Feature, key); err != nil {
			return SyncResult{}, err
		}
	}
	for key, deps := range p.Update {
		deps := deps
		if _, err := store.Update(ctx, p.Feature, key, Patch{DependsOn: &deps}); err != nil {
			return SyncResult{}, err
		}
	}
	for _, t := range p.Create {
		if _, err := store.Create(ctx, t); err != nil {
			return SyncResult{}, err
		}
	}
	return p.Result, nil
}

// planKeys assigns a key to every plan entry. An entry without an order
// keeps the key of the plan task already carrying its slug, so repeated
// synchronization does not renumber it.
func planKeys(existing []Task, planned []PlanTask) ([]string, error) {
	next := NextOrder(existing)
	for _, p := range planned {
		if p.Order >= next {
			next = p.Order + 1
		}
	}
	keys := make([]string, len(planned))
	seen := make(map[string]bool, len(planned))
	for i, p := range planned {
		slug := Slugify(p.Name)
		if slug == "" {
			return nil, fmt.Errorf("task: plan entry %d has an empty name", i+1)
		}
		if p.Order > 0 {
			key := FormatKey(p.Order, slug)
			if seen[key] {
				return nil, fmt.Errorf("task: plan lists %s twice", key)
			}
			seen[key] = true
			keys[i] = key
		}
	}
	bySlug := make(map[string][]string)
	for _, t := range existing {
		if t.Origin != OriginPlan || seen[t.Key] {
			continue
		}
		if _, slug, err := ParseKey(t.Key); err == nil {
			bySlug[slug] = append(bySlug[slug], t.Key)
		}
	}
	for i, p := range planned {
		if p.Order > 0 {
			continue
		}
		slug := Slugify(p.Name)
		var key string
		for len(bySlug[slug]) > 0 && key == "" {
			candidate := bySlug[slug][0]
			bySlug[slug] = bySlug[slug][1:]
			if !seen[candidate] {
				key = candidate
			}
		}
		if key == "" {
			key = FormatKey(next, slug)
			next++
		}
		if seen[key] {
			return nil, fmt.Errorf("task: plan lists %s twice", key)
		}
		seen[key] = true
		keys[i] = key
	}
	return keys, nil
}

func sameDependencies(a, b []string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneDeps(deps []string) []string {
	if deps == nil {
		return nil
	}
	return append([]string{}, deps...)
}
