package journal

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/beaconctl/internal/beacon"
)

// Kind classifies a journal record
type Kind int

const (
	KindState Kind = iota + 1
	KindConnected
	KindAttemptFailed
	KindDropped
	KindMotion
	KindTemperature
	KindFirmware
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindConnected:
		return "connected"
	case KindAttemptFailed:
		return "attempt_failed"
	case KindDropped:
		return "dropped"
	case KindMotion:
		return "motion"
	case KindTemperature:
		return "temperature"
	case KindFirmware:
		return "firmware"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Record is one session event
type Record struct {
	Time    time.Time
	Kind    Kind
	Message string
	Err     error
}

// Metrics holds journal counters. All methods are safe for concurrent use.
type Metrics struct {
	RecordsAppended    int64
	RecordsOverwritten int64
	ErrorsOccurred     int64
}

func (m *Metrics) incAppended()           { atomic.AddInt64(&m.RecordsAppended, 1) }
func (m *Metrics) incOverwritten(n int64) { atomic.AddInt64(&m.RecordsOverwritten, n) }
func (m *Metrics) incErrors()             { atomic.AddInt64(&m.ErrorsOccurred, 1) }

// MaxBufferSize guards against accidental misconfiguration
const MaxBufferSize uint32 = 64 * 1024

// Journal keeps the most recent session events in an overlapped ring buffer:
// when full, the oldest record is dropped. Producers never block.
//
// All methods are thread-safe.
type Journal struct {
	buffer  mpmc.RichOverlappedRingBuffer[Record]
	metrics Metrics
	now     func() time.Time
}

// New creates a journal holding up to bufferSize records
func New(bufferSize uint32) (*Journal, error) {
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	return &Journal{
		buffer: mpmc.NewOverlappedRingBuffer[Record](bufferSize),
		now:    time.Now,
	}, nil
}

// Append stores rec, stamping it if Time is zero
func (j *Journal) Append(rec Record) {
	if rec.Time.IsZero() {
		rec.Time = j.now()
	}
	overwrites, err := j.buffer.EnqueueM(rec)
	if err != nil {
		j.metrics.incErrors()
		return
	}
	j.metrics.incOverwritten(int64(overwrites))
	j.metrics.incAppended()
}

// Drain passes every buffered record to fn in arrival order
func (j *Journal) Drain(fn func(Record)) (int, error) {
	n := 0
	for !j.buffer.IsEmpty() {
		rec, err := j.buffer.Dequeue()
		if err != nil {
			return n, fmt.Errorf("buffer dequeue error: %w", err)
		}
		fn(rec)
		n++
	}
	return n, nil
}

// Collect drains the buffer into a slice
func (j *Journal) Collect() ([]Record, error) {
	var out []Record
	_, err := j.Drain(func(r Record) { out = append(out, r) })
	return out, err
}

// GetMetrics returns a copy of the current counters
func (j *Journal) GetMetrics() Metrics {
	return Metrics{
		RecordsAppended:    atomic.LoadInt64(&j.metrics.RecordsAppended),
		RecordsOverwritten: atomic.LoadInt64(&j.metrics.RecordsOverwritten),
		ErrorsOccurred:     atomic.LoadInt64(&j.metrics.ErrorsOccurred),
	}
}

// Observer returns a beacon.Observer that records connection events
func (j *Journal) Observer() beacon.Observer {
	return beacon.ObserverFuncs{
		OnSucceeded: func() {
			j.Append(Record{Kind: KindConnected, Message: "connected"})
		},
		OnFailed: func(err error) {
			j.Append(Record{Kind: KindAttemptFailed, Message: "connection attempt failed", Err: err})
		},
		OnDropped: func(err error) {
			j.Append(Record{Kind: KindDropped, Message: "connection dropped", Err: err})
		},
	}
}

// StateListener returns a callback for beacon.WithStateListener
func (j *Journal) StateListener() func(beacon.State) {
	return func(s beacon.State) {
		j.Append(Record{Kind: KindState, Message: s.String(), Err: s.Err})
	}
}

// SensorObserver returns a callback for beacon.Router.Subscribe
func (j *Journal) SensorObserver() beacon.SensorObserver {
	return func(ev beacon.SensorEvent) {
		switch e := ev.(type) {
		case beacon.MotionChanged:
			msg := "stationary"
			if e.Moving {
				msg = "moving"
			}
			j.Append(Record{Kind: KindMotion, Message: msg})
		case beacon.TemperatureSample:
			j.Append(Record{Kind: KindTemperature, Message: fmt.Sprintf("%.2f °C", e.Celsius)})
		}
	}
}
