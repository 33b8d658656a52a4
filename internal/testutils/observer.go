package testutils

import (
	"sync"

	"github.com/srg/beaconctl/internal/beacon"
)

// RecordingObserver records every observer callback and state transition
type RecordingObserver struct {
	mu        sync.Mutex
	succeeded int
	failed    []error
	dropped   []error
	motion    []bool
	states    []beacon.State
}

var _ beacon.Observer = (*RecordingObserver)(nil)

func (o *RecordingObserver) ConnectionSucceeded() {
	o.mu.Lock()
	o.succeeded++
	o.mu.Unlock()
}

func (o *RecordingObserver) ConnectionFailed(err error) {
	o.mu.Lock()
	o.failed = append(o.failed, err)
	o.mu.Unlock()
}

func (o *RecordingObserver) ConnectionDropped(err error) {
	o.mu.Lock()
	o.dropped = append(o.dropped, err)
	o.mu.Unlock()
}

func (o *RecordingObserver) MotionStateChanged(moving bool) {
	o.mu.Lock()
	o.motion = append(o.motion, moving)
	o.mu.Unlock()
}

// OnState is suitable for beacon.WithStateListener
func (o *RecordingObserver) OnState(s beacon.State) {
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
}

func (o *RecordingObserver) Succeeded() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.succeeded
}

func (o *RecordingObserver) Failed() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.failed...)
}

func (o *RecordingObserver) Dropped() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.dropped...)
}

func (o *RecordingObserver) Motion() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.motion...)
}

func (o *RecordingObserver) States() []beacon.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]beacon.State(nil), o.states...)
}

// Phases returns the phase of every recorded state, in order
func (o *RecordingObserver) Phases() []beacon.Phase {
	states := o.States()
	out := make([]beacon.Phase, len(states))
	for i, s := range states {
		out[i] = s.Phase
	}
	return out
}
