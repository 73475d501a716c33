package workflow

import (
	"context"

	"github.com/openfroyo/hostkeeper/pkg/engine"
)

// schedule runs one pass over the graph. Ready nodes start as soon as their
// dependencies are satisfied, up to maxParallel at a time. A node that ends
// in any state other than completed or skipped leaves its dependents pending.
// Once ctx is done no new node starts, and every node that has not finished
// is cancelled after the running ones return.
func (e *Engine) schedule(ctx context.Context, r *run) {
	remaining := make(map[string]int, len(r.graph.Nodes))
	for id, n := range r.graph.Nodes {
		remaining[id] = len(n.Dependencies)
	}
	states := r.states()
	for id, n := range r.graph.Nodes {
		if states[id].SatisfiesDependents() {
			for _, dep := range n.Dependents {
				remaining[dep]--
			}
		}
	}

	queue := r.readyNodes()
	done := make(chan string, len(r.graph.Nodes))
	running := 0

	for len(queue) > 0 || running > 0 {
		for len(queue) > 0 && running < e.maxParallel && ctx.Err() == nil {
			id := queue[0]
			queue = queue[1:]
			node, _ := r.def.Node(id)
			running++
			go func() {
				e.runNode(ctx, r, node)
				done <- node.ID
			}()
		}
		if running == 0 {
			break
		}

		id := <-done
		running--
		if !r.state(id).SatisfiesDependents() {
			continue
		}
		for _, dep := range r.graph.Nodes[id].Dependents {
			remaining[dep]--
			if remaining[dep] == 0 && runnable(r.state(dep)) {
				queue = append(queue, dep)
			}
		}
	}

	if ctx.Err() != nil {
		for _, id := range r.graph.Order {
			if runnable(r.state(id)) {
				e.transition(r, id, engine.NodeStateCancelled, nil, nil)
			}
		}
	}
}
