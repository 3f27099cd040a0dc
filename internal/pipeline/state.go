package pipeline

import (
	"context"
	"time"
)

// State is a step of a single pipeline run.
type State int

const (
	StateIdle State = iota
	StateDecoding
	StateNormalizing
	StateSegmenting
	StateCompositing
	StateStyling
	StateEncoding
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDecoding:
		return "decoding"
	case StateNormalizing:
		return "normalizing"
	case StateSegmenting:
		return "segmenting"
	case StateCompositing:
		return "compositing"
	case StateStyling:
		return "styling"
	case StateEncoding:
		return "encoding"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// next is the only forward edge out of s. Failed is reachable from every
// state after Idle and is handled separately.
func (s State) next() State {
	if s >= StateIdle && s < StateDone {
		return s + 1
	}
	return s
}

// Transition describes one edge taken by a run. Elapsed is the time spent
// in From. Kind is set only when To is StateFailed.
type Transition struct {
	From    State
	To      State
	Kind    Kind
	Elapsed time.Duration
}

type Observer interface {
	Observe(ctx context.Context, t Transition)
}

type ObserverFunc func(ctx context.Context, t Transition)

func (f ObserverFunc) Observe(ctx context.Context, t Transition) {
	f(ctx, t)
}
