package session

import (
	"fmt"
	"testing"
	"time"

	"sessiond/internal/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(id int) event.Event {
	ev := event.Text(fmt.Sprintf("line-%d", id))
	ev.SessionID = "test"
	ev.Seq = uint64(id + 1)
	ev.Timestamp = time.Now().UTC()
	return ev
}

func texts(events []event.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Text
	}
	return out
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer(10)
	assert.Empty(t, rb.ReadAll())
	assert.Empty(t, rb.Since(0))
	assert.Equal(t, 0, rb.Len())
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		rb.Write(makeEvent(i))
	}

	events := rb.ReadAll()
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, fmt.Sprintf("line-%d", i), e.Text)
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 8; i++ {
		rb.Write(makeEvent(i))
	}

	// Oldest three dropped.
	assert.Equal(t, []string{"line-3", "line-4", "line-5", "line-6", "line-7"}, texts(rb.ReadAll()))
}

func TestRingBuffer_ExactCapacity(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 3; i++ {
		rb.Write(makeEvent(i))
	}

	assert.Equal(t, []string{"line-0", "line-1", "line-2"}, texts(rb.ReadAll()))
	assert.Equal(t, 3, rb.Len())
}

func TestRingBuffer_ReadLast(t *testing.T) {
	rb := NewRingBuffer(4)
	for i := 0; i < 6; i++ {
		rb.Write(makeEvent(i))
	}

	assert.Equal(t, []string{"line-4", "line-5"}, texts(rb.ReadLast(2)))
	assert.Equal(t, []string{"line-2", "line-3", "line-4", "line-5"}, texts(rb.ReadLast(100)))
	assert.Equal(t, []string{"line-2", "line-3", "line-4", "line-5"}, texts(rb.ReadLast(0)))
}

func TestRingBuffer_Since(t *testing.T) {
	rb := NewRingBuffer(4)
	for i := 0; i < 6; i++ {
		rb.Write(makeEvent(i)) // seq 1..6
	}

	assert.Equal(t, []string{"line-4", "line-5"}, texts(rb.Since(4)))
	assert.Empty(t, rb.Since(6))
	// Older than anything retained: everything still buffered.
	assert.Len(t, rb.Since(0), 4)
}

func TestRingBuffer_DefaultCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	assert.Equal(t, defaultRingSize, rb.capacity)
}
