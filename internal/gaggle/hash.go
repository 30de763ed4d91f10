package gaggle

import (
	"fmt"
	"hash/fnv"
	"sort"

	"gander/internal/scheduler"
)

// TaskSetHash computes a stable FNV-1a signature over a compiled load
// test's task-set names, weights, and sequence keys. A manager rejects a
// worker whose hash disagrees, unless --no-hash-check is set — catching
// the case where manager and worker were built from different code
// without requiring them to exchange the task sets themselves.
func TaskSetHash(sets []*scheduler.TaskSet) uint64 {
	h := fnv.New64a()

	names := make([]string, len(sets))
	index := make(map[string]*scheduler.TaskSet, len(sets))
	for i, ts := range sets {
		names[i] = ts.Name
		index[ts.Name] = ts
	}
	sort.Strings(names)

	for _, name := range names {
		ts := index[name]
		fmt.Fprintf(h, "taskset:%s:%d\n", ts.Name, ts.Weight)

		taskNames := make([]string, len(ts.Tasks))
		taskIndex := make(map[string]scheduler.Task, len(ts.Tasks))
		for i, t := range ts.Tasks {
			taskNames[i] = t.Name
			taskIndex[t.Name] = t
		}
		sort.Strings(taskNames)

		for _, tn := range taskNames {
			t := taskIndex[tn]
			seq := -1
			if t.Sequence != nil {
				seq = *t.Sequence
			}
			fmt.Fprintf(h, "task:%s:%d:%d:%t:%t\n", t.Name, t.Weight, seq, t.OnStart, t.OnStop)
		}
	}

	return h.Sum64()
}
