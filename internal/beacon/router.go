package beacon

import (
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// SensorKind discriminates SensorEvent variants
type SensorKind int

const (
	SensorMotion SensorKind = iota + 1
	SensorTemperature
)

func (k SensorKind) String() string {
	switch k {
	case SensorMotion:
		return "motion"
	case SensorTemperature:
		return "temperature"
	default:
		return "unknown"
	}
}

// SensorEvent is a decoded notification. The set of variants is closed.
type SensorEvent interface {
	Kind() SensorKind
	sensorEvent()
}

// MotionChanged reports a debounced motion transition as relayed by the device
type MotionChanged struct {
	Moving bool
}

func (MotionChanged) Kind() SensorKind { return SensorMotion }
func (MotionChanged) sensorEvent()     {}

// TemperatureSample is an ambient temperature reading
type TemperatureSample struct {
	Celsius float64
}

func (TemperatureSample) Kind() SensorKind { return SensorTemperature }
func (TemperatureSample) sensorEvent()     {}

// SensorObserver receives sensor events in frame arrival order
type SensorObserver func(SensorEvent)

// Router demultiplexes notification frames into sensor events and fans them
// out to subscribers. It keeps only the last event per kind.
type Router struct {
	logger *logrus.Logger

	// dispatch serializes frames so subscribers see arrival order
	dispatch sync.Mutex

	subsMu sync.RWMutex
	subs   *orderedmap.OrderedMap[uint64, SensorObserver]
	nextID atomic.Uint64

	last *hashmap.Map[SensorKind, SensorEvent]
}

// NewRouter creates an empty router
func NewRouter(logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	return &Router{
		logger: logger,
		subs:   orderedmap.New[uint64, SensorObserver](),
		last:   hashmap.New[SensorKind, SensorEvent](),
	}
}

// HandleFrame classifies one frame and dispatches the resulting event.
// Safe for concurrent use; frames are dispatched one at a time.
func (r *Router) HandleFrame(f Frame) {
	ev, err := r.classify(f)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"register": f.Register,
			"error":    err,
		}).Warn("Dropping malformed notification")
		return
	}
	if ev == nil {
		r.logger.WithField("register", f.Register).Debug("Dropping notification from unrouted register")
		return
	}

	r.dispatch.Lock()
	defer r.dispatch.Unlock()

	r.last.Set(ev.Kind(), ev)

	r.subsMu.RLock()
	observers := make([]SensorObserver, 0, r.subs.Len())
	for pair := r.subs.Oldest(); pair != nil; pair = pair.Next() {
		observers = append(observers, pair.Value)
	}
	r.subsMu.RUnlock()

	for _, o := range observers {
		o(ev)
	}
}

func (r *Router) classify(f Frame) (SensorEvent, error) {
	switch f.Register {
	case RegMotionState:
		moving, err := MotionState.Decode(f.Payload)
		if err != nil {
			return nil, err
		}
		return MotionChanged{Moving: moving}, nil
	case RegTemperature:
		c, err := Temperature.Decode(f.Payload)
		if err != nil {
			return nil, err
		}
		return TemperatureSample{Celsius: c}, nil
	default:
		return nil, nil
	}
}

// Subscribe registers o and returns a function that removes it.
// Observers are called in subscription order.
func (r *Router) Subscribe(o SensorObserver) (unsubscribe func()) {
	id := r.nextID.Add(1)
	r.subsMu.Lock()
	r.subs.Set(id, o)
	r.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subsMu.Lock()
			r.subs.Delete(id)
			r.subsMu.Unlock()
		})
	}
}

// Last returns the most recent event of the given kind
func (r *Router) Last(kind SensorKind) (SensorEvent, bool) {
	return r.last.Get(kind)
}

// Subscribers returns the number of registered observers
func (r *Router) Subscribers() int {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	return r.subs.Len()
}
