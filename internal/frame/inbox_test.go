package frame

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxGetInArrivalOrder(t *testing.T) {
	q := NewInbox(0, newTestLogger())
	q.Put(Frame{APID: 1, Seq: 0})
	q.Put(Frame{APID: 2, Seq: 0})
	q.Put(Frame{APID: 1, Seq: 1})

	f, err := q.GetTimeout(time.Millisecond, ByAPID(1))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), f.Seq)

	f, err = q.GetTimeout(time.Millisecond, ByAPID(1))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f.Seq)

	// Non-matching frame stays for a later consumer.
	assert.Equal(t, 1, q.Len())
	f, err = q.GetTimeout(time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), f.APID)
}

func TestInboxTimeout(t *testing.T) {
	q := NewInbox(0, newTestLogger())
	q.Put(Frame{APID: 5})

	start := time.Now()
	_, err := q.GetTimeout(20*time.Millisecond, ByAPID(6))
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 1, q.Len(), "unmatched frame is not discarded")
}

func TestInboxWaitsForArrival(t *testing.T) {
	q := NewInbox(0, newTestLogger())
	go func() {
		time.Sleep(5 * time.Millisecond)
		q.Put(Frame{APID: 3})
		time.Sleep(5 * time.Millisecond)
		q.Put(Frame{APID: 4})
	}()

	f, err := q.GetTimeout(time.Second, ByAPID(4))
	require.NoError(t, err)
	assert.Equal(t, uint8(4), f.APID)
	assert.Equal(t, 1, q.Len())
}

func TestInboxByCorrelation(t *testing.T) {
	q := NewInbox(0, newTestLogger())
	q.Put(Frame{APID: APIDCommSuccess, CorrelationID: Corr(1)})
	q.Put(Frame{APID: APIDCommSuccess, CorrelationID: Corr(2)})

	f, err := q.GetTimeout(time.Millisecond, ByCorrelation(APIDCommSuccess, 2))
	require.NoError(t, err)
	id, _ := f.Correlation()
	assert.Equal(t, uint8(2), id)

	_, err = q.GetTimeout(time.Millisecond, ByCorrelation(APIDSetBitrateSuccess, 1))
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestInboxRefusesWhenFull(t *testing.T) {
	q := NewInbox(2, newTestLogger())
	assert.True(t, q.Put(Frame{Seq: 1}))
	assert.True(t, q.Put(Frame{Seq: 2}))
	assert.False(t, q.Put(Frame{Seq: 3}))

	assert.Equal(t, 1, q.Dropped())
	frames := q.Drain()
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(1), frames[0].Seq)
	assert.Equal(t, uint32(2), frames[1].Seq)
	assert.Equal(t, 0, q.Len())
}

func TestInboxFullKeepsPendingResponse(t *testing.T) {
	q := NewInbox(2, newTestLogger())
	q.Put(Frame{APID: APIDCommSuccess, CorrelationID: Corr(0x11)})
	q.Put(Frame{APID: APIDBeacon})
	q.Put(Frame{APID: APIDBeacon})

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, q.Dropped())
	f, err := q.GetTimeout(50*time.Millisecond, ByCorrelation(APIDCommSuccess, 0x11))
	require.NoError(t, err)
	assert.Equal(t, uint8(APIDCommSuccess), f.APID)
}

func TestInboxConcurrentConsumers(t *testing.T) {
	q := NewInbox(0, newTestLogger())
	const perAPID = 50

	var wg sync.WaitGroup
	results := make([][]uint32, 2)
	for i := range results {
		wg.Add(1)
		go func(apid int) {
			defer wg.Done()
			for n := 0; n < perAPID; n++ {
				f, err := q.GetTimeout(2*time.Second, ByAPID(uint8(apid)))
				if err != nil {
					return
				}
				results[apid] = append(results[apid], f.Seq)
			}
		}(i)
	}

	for n := 0; n < perAPID; n++ {
		q.Put(Frame{APID: 0, Seq: uint32(n)})
		q.Put(Frame{APID: 1, Seq: uint32(n)})
	}
	wg.Wait()

	for apid, seqs := range results {
		require.Len(t, seqs, perAPID, "apid %d lost frames", apid)
		for n, s := range seqs {
			assert.Equal(t, uint32(n), s)
		}
	}
	assert.Equal(t, 0, q.Len())
}

func TestInboxContextCancel(t *testing.T) {
	q := NewInbox(0, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Get(ctx, Any)
	assert.ErrorIs(t, err, ErrNoFrame)
}
