package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFOFrontPop(t *testing.T) {
	q := NewQueue()
	q.PushBack(Item{ID: "1"})
	q.PushBack(Item{ID: "2"})
	q.PushBack(Item{ID: "3"})

	first, ok := q.PopFront()
	require.True(t, ok)
	require.Equal(t, "1", first.ID)
	require.Equal(t, 2, q.Len())
}

func TestQueuePopBackTailSteal(t *testing.T) {
	q := NewQueue()
	q.PushBack(Item{ID: "1"})
	q.PushBack(Item{ID: "2"})
	q.PushBack(Item{ID: "3"})

	last, ok := q.PopBack()
	require.True(t, ok)
	require.Equal(t, "3", last.ID)
	require.Equal(t, 2, q.Len())
}

func TestQueueEmptyPopReturnsFalse(t *testing.T) {
	q := NewQueue()
	_, ok := q.PopFront()
	require.False(t, ok, "PopFront on empty queue should return ok=false")
	_, ok = q.PopBack()
	require.False(t, ok, "PopBack on empty queue should return ok=false")
}

func TestQueueDrainEmptiesAndPreservesOrder(t *testing.T) {
	q := NewQueue()
	q.PushBack(Item{ID: "1"})
	q.PushBack(Item{ID: "2"})

	items := q.Drain()
	require.Len(t, items, 2)
	require.Equal(t, "1", items[0].ID)
	require.Equal(t, "2", items[1].ID)
	require.Equal(t, 0, q.Len(), "queue should be empty after Drain")
}
