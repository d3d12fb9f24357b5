package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

func unit(region string, month int) harvest.WorkUnit {
	return harvest.WorkUnit{
		CollectionID: "c-1",
		Query:        "climate change",
		Region:       region,
		MaxArticles:  5,
		Year:         2025,
		Month:        month,
	}
}

func TestQueue_EnqueueReceiveAck(t *testing.T) {
	t.Parallel()

	q := New(Config{})
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, unit("europe", 3)))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "europe", d.Unit().Region)
	require.Equal(t, 1, d.Attempt())

	d.Ack()
	require.Zero(t, q.Depth())
	require.Zero(t, q.DeadDepth())
}

func TestQueue_NackRedelivers(t *testing.T) {
	t.Parallel()

	q := New(Config{})
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, unit("africa", 1)))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	d.Nack()

	redelivered, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "africa", redelivered.Unit().Region)
	require.Equal(t, 2, redelivered.Attempt())
	redelivered.Ack()
}

func TestQueue_VisibilityTimeoutRedelivers(t *testing.T) {
	t.Parallel()

	q := New(Config{VisibilityTimeout: 20 * time.Millisecond})
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, unit("oceania", 7)))

	// Receive and neither ack nor nack: the message must come back on its
	// own once the visibility window lapses.
	_, err := q.Receive(ctx)
	require.NoError(t, err)

	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := q.Receive(recvCtx)
	require.NoError(t, err)
	require.Equal(t, 2, d.Attempt())
	d.Ack()
}

func TestQueue_AckStopsRedelivery(t *testing.T) {
	t.Parallel()

	q := New(Config{VisibilityTimeout: 10 * time.Millisecond})
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, unit("europe", 5)))
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	d.Ack()

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, q.Depth())
	require.Zero(t, q.DeadDepth())
}

func TestQueue_ExhaustedMessageDeadLetters(t *testing.T) {
	t.Parallel()

	q := New(Config{MaxReceive: 3})
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, unit("south_asia", 9)))

	for i := 0; i < 3; i++ {
		d, err := q.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, i+1, d.Attempt())
		d.Nack()
	}

	require.Zero(t, q.Depth())
	require.Equal(t, 1, q.DeadDepth())

	dead, err := q.DeadLetters().Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "south_asia", dead.Unit().Region)
	dead.Ack()
	require.Zero(t, q.DeadDepth())
}

func TestQueue_DeadLetterNackStaysDead(t *testing.T) {
	t.Parallel()

	q := New(Config{MaxReceive: 1})
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, unit("middle_east", 2)))
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	d.Nack()
	require.Equal(t, 1, q.DeadDepth())

	dead, err := q.DeadLetters().Receive(ctx)
	require.NoError(t, err)
	dead.Nack()
	// A nacked dead letter returns to the dead queue, not the live one.
	require.Zero(t, q.Depth())
	require.Equal(t, 1, q.DeadDepth())
}

func TestQueue_ReceiveHonorsContext(t *testing.T) {
	t.Parallel()

	q := New(Config{})
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	require.Error(t, err)
}

func TestQueue_CloseUnblocksRedeliveryIntoFullQueue(t *testing.T) {
	t.Parallel()

	// Capacity 1 and a second message held in flight: the nack would block
	// sending into the full channel were Close unable to release it.
	q := New(Config{Capacity: 1})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, unit("europe", 1)))
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, unit("africa", 2)))

	nacked := make(chan struct{})
	go func() {
		d.Nack()
		close(nacked)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case <-nacked:
	case <-time.After(time.Second):
		t.Fatal("nack still blocked after close")
	}

	require.Error(t, q.Enqueue(ctx, unit("oceania", 3)))
	_, err = q.Receive(ctx)
	require.Error(t, err)
}

func TestQueue_SettleIsIdempotent(t *testing.T) {
	t.Parallel()

	q := New(Config{})
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, unit("europe", 1)))
	d, err := q.Receive(ctx)
	require.NoError(t, err)

	d.Ack()
	d.Nack() // settled already, must not redeliver
	require.Zero(t, q.Depth())
}
