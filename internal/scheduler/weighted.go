package scheduler

import (
	"math/rand"
	"sort"
)

// buildWeightedOrder builds one pass over a task set's steady-state tasks:
// repeat each task by its weight, group sequenced repeats by ascending
// sequence key (preserving declaration order within a key), shuffle the
// unsequenced repeats once, and place sequenced groups first.
//
// rng is injectable so tests can assert the resulting composition
// deterministically.
func buildWeightedOrder(tasks []Task, rng *rand.Rand) []int {
	expanded := make([]int, 0, len(tasks))
	for i, t := range tasks {
		for n := 0; n < t.Weight; n++ {
			expanded = append(expanded, i)
		}
	}

	grouped := make(map[int][]int)
	var keys []int
	var unsequenced []int

	for _, idx := range expanded {
		seq := tasks[idx].Sequence
		if seq == nil {
			unsequenced = append(unsequenced, idx)
			continue
		}
		if _, ok := grouped[*seq]; !ok {
			keys = append(keys, *seq)
		}
		grouped[*seq] = append(grouped[*seq], idx)
	}
	sort.Ints(keys)

	order := make([]int, 0, len(expanded))
	for _, k := range keys {
		order = append(order, grouped[k]...)
	}

	rng.Shuffle(len(unsequenced), func(i, j int) {
		unsequenced[i], unsequenced[j] = unsequenced[j], unsequenced[i]
	})
	order = append(order, unsequenced...)

	return order
}

// roulette is a weighted-proportional picker over a set of TaskSets, used
// to assign each newly hatched user its task set.
type roulette struct {
	sets  []*TaskSet
	cum   []int
	total int
}

func newRoulette(sets []*TaskSet) *roulette {
	r := &roulette{sets: sets, cum: make([]int, len(sets))}
	total := 0
	for i, s := range sets {
		w := s.Weight
		if w < 1 {
			w = 1
		}
		total += w
		r.cum[i] = total
	}
	r.total = total
	return r
}

func (r *roulette) pick(rng *rand.Rand) *TaskSet {
	if len(r.sets) == 1 {
		return r.sets[0]
	}
	n := rng.Intn(r.total) + 1
	for i, c := range r.cum {
		if n <= c {
			return r.sets[i]
		}
	}
	return r.sets[len(r.sets)-1]
}
