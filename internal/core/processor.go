package core

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"
)

// Node is one named lambda of a pipeline graph.
type Node struct {
	Name   string
	Lambda *compose.Lambda
}

// Step wraps a typed stage into a node. The stage does not run once ctx
// is done, the cancellation cause is returned instead.
func Step[I, O any](log zerolog.Logger, pipeline, name string, fn func(context.Context, I) (O, error)) Node {
	run := func(ctx context.Context, in I) (O, error) {
		var zero O
		if ctx.Err() != nil {
			return zero, context.Cause(ctx)
		}
		start := time.Now()
		out, err := fn(ctx, in)
		log.Debug().
			Str("pipeline", pipeline).
			Str("stage", name).
			Int64("ms", time.Since(start).Milliseconds()).
			Bool("failed", err != nil).
			Msg("stage executed")
		if err != nil {
			return zero, fmt.Errorf("stage %s: %w", name, err)
		}
		return out, nil
	}
	return Node{Name: name, Lambda: compose.InvokableLambda(run)}
}

// Chain links the nodes from START to END in order and compiles the
// graph. Each node must accept the output type of the previous one.
func Chain[I, O any](ctx context.Context, name string, nodes ...Node) (compose.Runnable[I, O], error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("pipeline %s has no stage", name)
	}

	g := compose.NewGraph[I, O]()
	prev := compose.START
	for _, n := range nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("stage name cannot be empty")
		}
		if err := g.AddLambdaNode(n.Name, n.Lambda); err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", n.Name, err)
		}
		if err := g.AddEdge(prev, n.Name); err != nil {
			return nil, fmt.Errorf("failed to link %s: %w", n.Name, err)
		}
		prev = n.Name
	}
	if err := g.AddEdge(prev, compose.END); err != nil {
		return nil, fmt.Errorf("failed to add end edge: %w", err)
	}

	runnable, err := g.Compile(ctx, compose.WithGraphName(name))
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s graph: %w", name, err)
	}
	return runnable, nil
}
