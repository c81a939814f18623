package taskdb

import (
	"sort"
)

type streamLoad struct {
	stream  Stream
	running int
}

// rankStreams orders the streams of one work type for claiming. Streams
// still under their reserved concurrency come first; the rest are ordered
// by priority weight per running task, so heavier streams receive a larger
// share of best-effort capacity.
func rankStreams(loads []streamLoad) []streamLoad {
	sort.SliceStable(loads, func(i, j int) bool {
		a, b := loads[i], loads[j]
		aReserved := a.running < a.stream.Concurrency
		bReserved := b.running < b.stream.Concurrency
		if aReserved != bReserved {
			return aReserved
		}
		as := a.stream.Priority / float64(a.running+1)
		bs := b.stream.Priority / float64(b.running+1)
		if as != bs {
			return as > bs
		}
		if !a.stream.CreatedAt.Equal(b.stream.CreatedAt) {
			return a.stream.CreatedAt.Before(b.stream.CreatedAt)
		}
		return a.stream.ID.String() < b.stream.ID.String()
	})
	return loads
}

func sortByStarted(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].StartedAt.Before(*tasks[j].StartedAt)
	})
}
