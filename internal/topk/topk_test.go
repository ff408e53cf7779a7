package topk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorBasic(t *testing.T) {
	s := New(3)
	s.Offer(1, 0.5)
	s.Offer(2, 0.9)
	s.Offer(3, 0.1)
	s.Offer(4, 0.7)
	s.Offer(5, 0.3)

	got := s.Results()
	require.Len(t, got, 3)
	assert.Equal(t, []Item{{2, 0.9}, {4, 0.7}, {1, 0.5}}, got)
}

func TestSelectorFewerThanK(t *testing.T) {
	s := New(10)
	s.Offer(7, 0.2)
	s.Offer(3, 0.4)

	got := s.Results()
	assert.Equal(t, []Item{{3, 0.4}, {7, 0.2}}, got)
}

func TestSelectorTiesAscendingID(t *testing.T) {
	s := New(3)
	s.Offer(9, 0.5)
	s.Offer(2, 0.5)
	s.Offer(5, 0.5)
	s.Offer(1, 0.5)

	got := s.Results()
	require.Len(t, got, 3)
	assert.Equal(t, []Item{{1, 0.5}, {2, 0.5}, {5, 0.5}}, got)
}

func TestSelectorInsertionOrderIndependent(t *testing.T) {
	offer := func(order []Item) []Item {
		s := New(4)
		for _, it := range order {
			s.Offer(it.ID, it.Score)
		}
		return s.Results()
	}

	items := []Item{{1, 0.3}, {2, 0.3}, {3, 0.9}, {4, 0.3}, {5, 0.1}, {6, 0.9}}
	reversed := make([]Item, len(items))
	for i, it := range items {
		reversed[len(items)-1-i] = it
	}

	assert.Equal(t, offer(items), offer(reversed))
}

func TestSelectorLen(t *testing.T) {
	s := New(2)
	assert.Equal(t, 0, s.Len())
	s.Offer(1, 1)
	s.Offer(2, 2)
	s.Offer(3, 3)
	assert.Equal(t, 2, s.Len())
}
