package beacon_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/beaconctl/internal/beacon"
	"github.com/srg/beaconctl/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type PipelineTestSuite struct {
	testutils.BeaconSuite
	link     *testutils.FakeLink
	pipeline *beacon.Pipeline
}

func TestPipelineTestSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func (s *PipelineTestSuite) SetupTest() {
	s.BeaconSuite.SetupTest()
}

// start opens a link on the fake transport and runs a pipeline over it
func (s *PipelineTestSuite) start(timeout time.Duration) {
	l, err := s.Transport.Open(s.Context(), s.Identifier, nil)
	s.Require().NoError(err)
	s.link = l.(*testutils.FakeLink)
	s.pipeline = beacon.NewPipeline(s.link, timeout, s.Logger)
	s.pipeline.Start(context.Background())
	s.T().Cleanup(func() { s.pipeline.Close(nil) })
}

func (s *PipelineTestSuite) TestOperationsRunInSubmissionOrder() {
	// GOAL: Verify strict FIFO dispatch
	//
	// TEST SCENARIO: submit 5 operations back to back → link receives them in the same order

	s.start(time.Second)
	s.Transport.WithSendDelay(beacon.RegMajor, 20*time.Millisecond)

	order := []beacon.RegisterID{beacon.RegMajor, beacon.RegMinor, beacon.RegPower, beacon.RegAdvInterval, beacon.RegName}
	futures := make([]*beacon.Future[[]byte], 0, len(order))
	for _, reg := range order {
		futures = append(futures, s.pipeline.Submit(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: reg}))
	}
	for i, f := range futures {
		payload, err := f.Wait(s.Context())
		s.Require().NoError(err, "operation %d", i)
		expected, _ := s.Transport.Register(order[i])
		s.Equal(expected, payload)
	}

	var got []beacon.RegisterID
	for _, r := range s.link.Requests() {
		got = append(got, r.Register)
	}
	s.Equal(order, got)
}

func (s *PipelineTestSuite) TestNeverTwoOperationsInFlight() {
	// GOAL: Verify concurrent submitters never overlap on the wire
	//
	// TEST SCENARIO: 8 goroutines × 5 ops with slow responses → link observes at most 1 in flight

	s.start(2 * time.Second)
	s.Transport.WithSendDelay(beacon.RegMinor, 2*time.Millisecond)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := s.pipeline.Do(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMinor})
				s.NoError(err)
			}
		}()
	}
	wg.Wait()

	s.Equal(1, s.link.MaxInFlight())
	s.Equal(40, s.link.CountRequests(beacon.OpRead, beacon.RegMinor))
	s.Zero(s.pipeline.InFlight())
	s.Zero(s.pipeline.Pending())
}

func (s *PipelineTestSuite) TestTimeoutResolvesAndPipelineContinues() {
	// GOAL: Verify a stalled response times out and the next operation still runs
	//
	// TEST SCENARIO: first op stalls past its timeout → Timeout; second op → normal response

	s.start(time.Second)
	s.Transport.WithSendDelay(beacon.RegMajor, 500*time.Millisecond)

	start := time.Now()
	_, err := s.pipeline.Do(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMajor, Timeout: 50 * time.Millisecond})
	s.Require().Error(err)
	s.ErrorIs(err, beacon.ErrTimeout)
	s.Less(time.Since(start), 400*time.Millisecond)

	payload, err := s.pipeline.Do(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMinor})
	s.Require().NoError(err)
	s.Equal([]byte{0x2a, 0x00}, payload, "the late response MUST NOT be delivered to the next operation")
	s.Equal(1, s.link.MaxInFlight())
}

func (s *PipelineTestSuite) TestTimeoutIsMeasuredFromSubmission() {
	// GOAL: Verify time spent queued counts against the operation timeout
	//
	// TEST SCENARIO: op A holds the link 200ms, op B has 50ms budget → B times out without being sent

	s.start(time.Second)
	s.Transport.WithSendDelay(beacon.RegMajor, 200*time.Millisecond)

	a := s.pipeline.Submit(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMajor})
	b := s.pipeline.Submit(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMinor, Timeout: 50 * time.Millisecond})

	_, err := b.Wait(s.Context())
	s.ErrorIs(err, beacon.ErrTimeout)
	s.False(a.IsResolved(), "B MUST time out while A is still on the wire")

	_, err = a.Wait(s.Context())
	s.Require().NoError(err)
	s.Require().Eventually(func() bool { return s.pipeline.Pending() == 0 && s.pipeline.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	s.Zero(s.link.CountRequests(beacon.OpRead, beacon.RegMinor))
}

func (s *PipelineTestSuite) TestLinkDropDrainsQueue() {
	// GOAL: Verify a drop fails the in-flight operation and everything queued behind it
	//
	// TEST SCENARIO: op in flight + 3 queued → link drops → all 4 resolve Disconnected

	s.start(5 * time.Second)
	s.Transport.WithSendDelay(beacon.RegMajor, time.Second)

	inFlight := s.pipeline.Submit(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMajor})
	s.Require().Eventually(func() bool { return s.pipeline.InFlight() == 1 }, time.Second, time.Millisecond)

	queued := []*beacon.Future[[]byte]{
		s.pipeline.Submit(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMinor}),
		s.pipeline.Submit(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegPower}),
		s.pipeline.Submit(s.Context(), beacon.Operation{Kind: beacon.OpWrite, Register: beacon.RegName, Payload: []byte("x")}),
	}

	s.link.Drop(nil)

	for _, f := range append([]*beacon.Future[[]byte]{inFlight}, queued...) {
		_, err := f.Wait(s.Context())
		s.ErrorIs(err, beacon.ErrDisconnected)
	}
	select {
	case <-s.pipeline.Done():
	case <-time.After(time.Second):
		s.FailNow("pipeline MUST close after a drop")
	}

	_, err := s.pipeline.Do(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMinor})
	s.ErrorIs(err, beacon.ErrDisconnected)
	s.Equal(1, s.link.CountRequests(beacon.OpRead, beacon.RegMajor))
	s.Zero(s.link.CountRequests(beacon.OpRead, beacon.RegMinor))
}

func (s *PipelineTestSuite) TestCallerCancellationResolvesOperation() {
	s.start(5 * time.Second)
	s.Transport.WithSendDelay(beacon.RegMajor, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	f := s.pipeline.Submit(ctx, beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMajor})
	cancel()

	_, err := f.Wait(s.Context())
	s.ErrorIs(err, beacon.ErrCancelled)

	payload, err := s.pipeline.Do(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMinor})
	s.Require().NoError(err)
	s.Equal([]byte{0x2a, 0x00}, payload)
}

func (s *PipelineTestSuite) TestRejectsInvalidSubmissions() {
	s.start(time.Second)

	_, err := s.pipeline.Do(s.Context(), beacon.Operation{Kind: beacon.OpRead})
	s.ErrorIs(err, beacon.ErrValidationFailed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := s.pipeline.Submit(ctx, beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMajor})
	s.True(f.IsResolved())
	_, err = f.Result()
	s.ErrorIs(err, beacon.ErrCancelled)

	s.Empty(s.link.Requests())
}

func (s *PipelineTestSuite) TestCloseFailsPendingWithCause() {
	s.start(5 * time.Second)
	s.Transport.WithSendDelay(beacon.RegMajor, time.Second)

	a := s.pipeline.Submit(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMajor})
	b := s.pipeline.Submit(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMinor})
	s.Require().Eventually(func() bool { return s.pipeline.InFlight() == 1 }, time.Second, time.Millisecond)

	s.pipeline.Close(beacon.ErrDisconnectRequested)

	for _, f := range []*beacon.Future[[]byte]{a, b} {
		_, err := f.Wait(s.Context())
		s.ErrorIs(err, beacon.ErrDisconnected)
	}
	s.ErrorIs(s.pipeline.Err(), beacon.ErrDisconnectRequested)
}

func (s *PipelineTestSuite) TestSendIgnoringContextDoesNotStallPipeline() {
	// GOAL: Verify a link that keeps blocking after cancellation cannot wedge the worker
	//
	// TEST SCENARIO: Major send blocks until released → op times out, next op and Close still return promptly

	release := make(chan struct{})
	s.T().Cleanup(func() { close(release) })
	s.Transport.WithSendHook(func(req beacon.Request) (beacon.Response, bool, error) {
		if req.Register == beacon.RegMajor {
			<-release
		}
		return beacon.Response{}, false, nil
	})
	s.start(time.Second)

	_, err := s.pipeline.Do(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMajor, Timeout: 50 * time.Millisecond})
	s.Require().ErrorIs(err, beacon.ErrTimeout)

	start := time.Now()
	payload, err := s.pipeline.Do(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMinor})
	s.Require().NoError(err)
	s.Equal([]byte{0x2a, 0x00}, payload)
	s.Less(time.Since(start), 800*time.Millisecond)

	// a second stuck send while closing
	stuck := s.pipeline.Submit(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMajor})
	s.Require().Eventually(func() bool { return s.pipeline.InFlight() == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		s.pipeline.Close(beacon.ErrDisconnectRequested)
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		s.Fail("Close blocked on a send that ignores its context")
	}
	_, err = stuck.Wait(s.Context())
	s.ErrorIs(err, beacon.ErrDisconnected)
}

func (s *PipelineTestSuite) TestLeaseIsExclusive() {
	// GOAL: Verify ordinary submissions are refused while the link is leased
	//
	// TEST SCENARIO: acquire → plain submit fails UpdateInProgress → lease submit works → release → plain submit works

	s.start(time.Second)
	s.Transport.WithSendDelay(beacon.RegMajor, 50*time.Millisecond)

	before := s.pipeline.Submit(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMajor})
	lease, err := s.pipeline.Acquire(s.Context())
	s.Require().NoError(err)
	s.True(before.IsResolved(), "Acquire MUST wait for previously accepted operations")

	_, err = s.pipeline.Do(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMinor})
	s.ErrorIs(err, beacon.ErrUpdateInProgress)

	_, err = s.pipeline.Acquire(s.Context())
	s.ErrorIs(err, beacon.ErrUpdateInProgress)

	payload, err := lease.Do(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMinor})
	s.Require().NoError(err)
	s.Equal([]byte{0x2a, 0x00}, payload)

	lease.Release()
	lease.Release()

	_, err = lease.Do(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMinor})
	s.ErrorIs(err, beacon.ErrCancelled, "a released lease MUST NOT submit")

	_, err = s.pipeline.Do(s.Context(), beacon.Operation{Kind: beacon.OpRead, Register: beacon.RegMinor})
	s.NoError(err)
}

func (s *PipelineTestSuite) TestAcquireOnClosedPipeline() {
	s.start(time.Second)
	s.pipeline.Close(nil)

	_, err := s.pipeline.Acquire(s.Context())
	s.ErrorIs(err, beacon.ErrDisconnected)
}
