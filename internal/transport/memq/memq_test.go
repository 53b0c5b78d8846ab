package memq

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/runtap/internal/transport"
	"go.uber.org/zap/zaptest"
)

func openPair(t *testing.T, size int) (transport.Producer, transport.Consumer, *Provider) {
	t.Helper()
	p := New(zaptest.NewLogger(t))
	ep := transport.Endpoint{Name: "test", Size: size}

	prod, err := p.NewProducer(ep)
	require.NoError(t, err)
	cons, err := p.NewConsumer(ep)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = prod.Close()
		_ = cons.Close()
	})
	return prod, cons, p
}

// TestEnqueueDequeueOrder checks FIFO delivery
func TestEnqueueDequeueOrder(t *testing.T) {
	prod, cons, _ := openPair(t, 1<<20)

	for i := 0; i < 100; i++ {
		require.NoError(t, prod.Enqueue([]byte(fmt.Sprintf("msg-%03d", i))))
	}
	for i := 0; i < 100; i++ {
		buf, err := cons.Dequeue(time.Second)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), string(buf.Bytes()))
		buf.Release()
	}

	_, err := cons.Dequeue(10 * time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrEmpty)
}

// TestEnqueueCopiesData ensures the caller may reuse its slice
func TestEnqueueCopiesData(t *testing.T) {
	prod, cons, _ := openPair(t, 1024)

	data := []byte("original")
	require.NoError(t, prod.Enqueue(data))
	copy(data, "modified")

	buf, err := cons.Dequeue(time.Second)
	require.NoError(t, err)
	defer buf.Release()
	assert.Equal(t, "original", string(buf.Bytes()))
}

// TestByteBudgetBackpressure checks ErrFull until buffers are released
func TestByteBudgetBackpressure(t *testing.T) {
	prod, cons, p := openPair(t, 100)
	payload := make([]byte, 40)

	require.NoError(t, prod.Enqueue(payload))
	require.NoError(t, prod.Enqueue(payload))
	assert.ErrorIs(t, prod.Enqueue(payload), transport.ErrFull)

	buf, err := cons.Dequeue(time.Second)
	require.NoError(t, err)

	// Still held by the unreleased buffer
	assert.ErrorIs(t, prod.Enqueue(payload), transport.ErrFull)

	buf.Release()
	buf.Release()
	assert.NoError(t, prod.Enqueue(payload))

	stats, ok := p.Stats("test")
	require.True(t, ok)
	assert.Equal(t, uint64(2), stats.Rejected)
	assert.Equal(t, int64(80), stats.Bytes)
	assert.Equal(t, 2, stats.Queued)
}

// TestSlotBackpressure fills every slot with empty messages
func TestSlotBackpressure(t *testing.T) {
	prod, cons, _ := openPair(t, 1)

	for i := 0; i < minSlots; i++ {
		require.NoError(t, prod.Enqueue(nil))
	}
	assert.ErrorIs(t, prod.Enqueue(nil), transport.ErrFull)

	buf, err := cons.Dequeue(time.Second)
	require.NoError(t, err)
	buf.Release()
	assert.NoError(t, prod.Enqueue(nil))
}

// TestMessageTooLarge rejects messages that can never fit
func TestMessageTooLarge(t *testing.T) {
	prod, _, _ := openPair(t, 8)
	err := prod.Enqueue(make([]byte, 9))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.NotErrorIs(t, err, transport.ErrFull)
}

// TestSinglePeerPerEndpoint rejects a second producer or consumer
func TestSinglePeerPerEndpoint(t *testing.T) {
	prod, cons, p := openPair(t, 64)
	ep := transport.Endpoint{Name: "test", Size: 64}

	_, err := p.NewProducer(ep)
	assert.ErrorIs(t, err, ErrEndpointInUse)
	_, err = p.NewConsumer(ep)
	assert.ErrorIs(t, err, ErrEndpointInUse)

	require.NoError(t, prod.Close())
	require.NoError(t, cons.Close())
	assert.ErrorIs(t, prod.Enqueue([]byte("x")), transport.ErrClosed)
	_, err = cons.Dequeue(0)
	assert.ErrorIs(t, err, transport.ErrClosed)

	again, err := p.NewProducer(ep)
	require.NoError(t, err)
	assert.NoError(t, again.Close())
}

// TestInvalidEndpoint rejects empty names and sizes
func TestInvalidEndpoint(t *testing.T) {
	p := New(zaptest.NewLogger(t))
	_, err := p.NewProducer(transport.Endpoint{Name: "", Size: 10})
	assert.Error(t, err)
	_, err = p.NewConsumer(transport.Endpoint{Name: "x", Size: 0})
	assert.Error(t, err)
}

// TestDequeueWakesOnEnqueue checks a blocked consumer sees a late message
func TestDequeueWakesOnEnqueue(t *testing.T) {
	prod, cons, _ := openPair(t, 1024)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		assert.NoError(t, prod.Enqueue([]byte("late")))
	}()

	start := time.Now()
	buf, err := cons.Dequeue(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf.Bytes()))
	assert.Less(t, time.Since(start), 5*time.Second)
	buf.Release()
	wg.Wait()
}

// TestConcurrentProducerConsumer streams messages between two goroutines
func TestConcurrentProducerConsumer(t *testing.T) {
	prod, cons, _ := openPair(t, 4096)
	const total = 10000

	go func() {
		for i := 0; i < total; i++ {
			data := []byte(fmt.Sprintf("%d", i))
			for prod.Enqueue(data) != nil {
				time.Sleep(time.Microsecond)
			}
		}
	}()

	for i := 0; i < total; i++ {
		buf, err := cons.Dequeue(5 * time.Second)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("%d", i), string(buf.Bytes()))
		buf.Release()
	}
}

// TestDefaultProviderIsRegistered checks the registry wiring
func TestDefaultProviderIsRegistered(t *testing.T) {
	assert.Contains(t, transport.Registered(), ProviderName)
	assert.Same(t, Default(), Default())
}
