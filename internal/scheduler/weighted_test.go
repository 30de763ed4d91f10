package scheduler

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) *int { return &n }

func TestBuildWeightedOrderRespectsWeight(t *testing.T) {
	tasks := []Task{
		NewTask("a", nil).WithWeight(1),
		NewTask("b", nil).WithWeight(3),
	}
	rng := rand.New(rand.NewSource(1))
	order := buildWeightedOrder(tasks, rng)

	require.Len(t, order, 4)
	counts := map[int]int{}
	for _, idx := range order {
		counts[idx]++
	}
	assert.Equal(t, 1, counts[0])
	assert.Equal(t, 3, counts[1])
}

func TestBuildWeightedOrderSequencedGroupsFirstAscending(t *testing.T) {
	tasks := []Task{
		NewTask("unsequenced", nil),
		NewTask("seq2", nil).WithSequence(2),
		NewTask("seq1", nil).WithSequence(1),
	}
	rng := rand.New(rand.NewSource(42))
	order := buildWeightedOrder(tasks, rng)

	require.Len(t, order, 3)
	// First two entries are the sequenced tasks, ascending by key.
	assert.Equal(t, 2, order[0]) // seq1 (index 2) has the lower key
	assert.Equal(t, 1, order[1]) // seq2 (index 1)
	assert.Equal(t, 0, order[2]) // unsequenced last
}

func TestBuildWeightedOrderDeterministicWithSameSeed(t *testing.T) {
	tasks := []Task{
		NewTask("a", nil),
		NewTask("b", nil),
		NewTask("c", nil),
	}
	o1 := buildWeightedOrder(tasks, rand.New(rand.NewSource(7)))
	o2 := buildWeightedOrder(tasks, rand.New(rand.NewSource(7)))
	assert.Equal(t, o1, o2)
}

func TestRouletteSingleSetAlwaysPicksIt(t *testing.T) {
	ts := NewTaskSet("only")
	r := newRoulette([]*TaskSet{ts})
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		assert.Same(t, ts, r.pick(rng))
	}
}

func TestRouletteProportionalSelection(t *testing.T) {
	light := NewTaskSet("light").WithWeight(1)
	heavy := NewTaskSet("heavy").WithWeight(9)
	r := newRoulette([]*TaskSet{light, heavy})

	rng := rand.New(rand.NewSource(123))
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		counts[r.pick(rng).Name]++
	}
	// With a 1:9 weight ratio heavy should dominate decisively.
	assert.Greater(t, counts["heavy"], counts["light"]*4)
}
