package queue

import (
	"sync"
	"testing"

	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/trv"
	"github.com/stretchr/testify/suite"
)

var (
	valveA = device.MustParseAddress("00:1A:22:00:00:0A")
	valveB = device.MustParseAddress("00:1A:22:00:00:0B")
)

type QueueTestSuite struct {
	suite.Suite
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}

func (suite *QueueTestSuite) TestEnqueueCoalescing() {
	// GOAL: Verify only a trailing duplicate for the same valve is coalesced
	//
	// TEST SCENARIO: enqueue repeats with and without intervening commands → only the immediate repeat is dropped

	suite.Run("identical trailing request for the same valve is dropped", func() {
		q := New(RequeueToTail)
		suite.True(q.Enqueue(trv.NewCommand(valveA, trv.KindBoost)))
		suite.False(q.Enqueue(trv.NewCommand(valveA, trv.KindBoost)), "repeat MUST be coalesced")
		suite.Equal(1, q.Len())
	})

	suite.Run("other valves in between do not hide the duplicate", func() {
		q := New(RequeueToTail)
		suite.True(q.Enqueue(trv.NewCommand(valveA, trv.KindSetTemperature, 0x2b)))
		suite.True(q.Enqueue(trv.NewCommand(valveB, trv.KindLock)))
		suite.False(q.Enqueue(trv.NewCommand(valveA, trv.KindSetTemperature, 0x2b)))
		suite.Equal(2, q.Len())
	})

	suite.Run("different request for the same valve breaks the run", func() {
		q := New(RequeueToTail)
		suite.True(q.Enqueue(trv.NewCommand(valveA, trv.KindBoost)))
		suite.True(q.Enqueue(trv.NewCommand(valveA, trv.KindUnboost)))
		suite.True(q.Enqueue(trv.NewCommand(valveA, trv.KindBoost)), "non-trailing duplicate MUST be accepted")
		suite.Equal(3, q.Len())
	})

	suite.Run("different parameters are not duplicates", func() {
		q := New(RequeueToTail)
		suite.True(q.Enqueue(trv.NewCommand(valveA, trv.KindSetTemperature, 0x2b)))
		suite.True(q.Enqueue(trv.NewCommand(valveA, trv.KindSetTemperature, 0x2c)))
	})

	suite.Run("in-flight head counts as the trailing entry", func() {
		q := New(RequeueToTail)
		suite.True(q.Enqueue(trv.NewCommand(valveA, trv.KindLock)))
		_, ok := q.Head()
		suite.True(ok)
		suite.False(q.Enqueue(trv.NewCommand(valveA, trv.KindLock)))
	})
}

func (suite *QueueTestSuite) TestFIFO() {
	q := New(RequeueToTail)
	first := trv.NewCommand(valveA, trv.KindBoost)
	second := trv.NewCommand(valveB, trv.KindBoost)
	q.Enqueue(first)
	q.Enqueue(second)

	head, ok := q.Head()
	suite.True(ok)
	suite.Equal(first.ID, head.ID)

	done, ok := q.Complete()
	suite.True(ok)
	suite.Equal(first.ID, done.ID)

	head, _ = q.Head()
	suite.Equal(second.ID, head.ID)

	q.Complete()
	_, ok = q.Head()
	suite.False(ok)
	_, ok = q.Complete()
	suite.False(ok)
}

func (suite *QueueTestSuite) TestRequeueFairness() {
	// GOAL: Verify a failing head moves behind other queued commands
	//
	// TEST SCENARIO: A fails with B queued → B becomes head, A is at the tail with one retry charged

	q := New(RequeueToTail)
	a := trv.NewCommand(valveA, trv.KindBoost)
	b := trv.NewCommand(valveB, trv.KindBoost)
	q.Enqueue(a)
	q.Enqueue(b)

	outcome, failed := q.Fail()
	suite.Equal(Requeued, outcome)
	suite.Equal(a.ID, failed.ID)
	suite.Equal(trv.DefaultMaxRetries-1, failed.Retries)

	snap := q.Snapshot()
	suite.Require().Len(snap, 2)
	suite.Equal(b.ID, snap[0].ID)
	suite.Equal(a.ID, snap[1].ID)
	suite.Equal(trv.DefaultMaxRetries-1, snap[1].Retries)
}

func (suite *QueueTestSuite) TestRetryInPlaceWhenAlone() {
	q := New(RequeueToTail)
	a := trv.NewCommand(valveA, trv.KindBoost)
	q.Enqueue(a)

	outcome, _ := q.Fail()
	suite.Equal(Retrying, outcome, "sole command MUST retry in place")

	head, _ := q.Head()
	suite.Equal(a.ID, head.ID)
	suite.Equal(trv.DefaultMaxRetries-1, head.Retries)
}

func (suite *QueueTestSuite) TestRetryInPlacePolicy() {
	q := New(RetryInPlace)
	a := trv.NewCommand(valveA, trv.KindBoost)
	q.Enqueue(a)
	q.Enqueue(trv.NewCommand(valveB, trv.KindBoost))

	outcome, _ := q.Fail()
	suite.Equal(Retrying, outcome)

	head, _ := q.Head()
	suite.Equal(a.ID, head.ID, "in-place policy MUST keep the failing head")
}

func (suite *QueueTestSuite) TestRetryExhaustion() {
	// GOAL: Verify a command with budget N is removed after exactly N failures
	//
	// TEST SCENARIO: fail the sole command N times → N-1 Retrying outcomes then Exhausted with an empty queue

	q := New(RequeueToTail)
	q.Enqueue(trv.NewCommand(valveA, trv.KindBoost))

	for i := 1; i < trv.DefaultMaxRetries; i++ {
		outcome, _ := q.Fail()
		suite.Equal(Retrying, outcome, "failure %d MUST NOT exhaust", i)
	}

	outcome, cmd := q.Fail()
	suite.Equal(Exhausted, outcome)
	suite.Equal(0, cmd.Retries)
	suite.Equal(0, q.Len())

	outcome, _ = q.Fail()
	suite.Equal(Empty, outcome)
}

func (suite *QueueTestSuite) TestSnapshotIsACopy() {
	q := New(RequeueToTail)
	q.Enqueue(trv.NewCommand(valveA, trv.KindBoost))

	snap := q.Snapshot()
	snap[0].Retries = 99

	head, _ := q.Head()
	suite.Equal(trv.DefaultMaxRetries, head.Retries)
}

func (suite *QueueTestSuite) TestConcurrentEnqueue() {
	q := New(RequeueToTail)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(trv.NewCommand(valveA, trv.KindSetTemperature, byte(10+i)))
		}(i)
	}
	wg.Wait()

	suite.Equal(16, q.Len())
}

func (suite *QueueTestSuite) TestParsePolicy() {
	p, err := ParsePolicy("requeue")
	suite.NoError(err)
	suite.Equal(RequeueToTail, p)

	p, err = ParsePolicy("In-Place")
	suite.NoError(err)
	suite.Equal(RetryInPlace, p)

	p, err = ParsePolicy("")
	suite.NoError(err)
	suite.Equal(RequeueToTail, p)

	_, err = ParsePolicy("sometimes")
	suite.ErrorIs(err, ErrUnknownPolicy, "unknown names MUST match the sentinel")
	suite.Equal("in-place", RetryInPlace.String())
}
