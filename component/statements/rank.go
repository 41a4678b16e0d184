package statements

import (
	"sort"

	"github.com/wangjohn/quickselect"
)

type rowSorter struct {
	rows []Row
	less func(a, b Row) bool
}

func (s rowSorter) Len() int           { return len(s.rows) }
func (s rowSorter) Less(i, j int) bool { return s.less(s.rows[i], s.rows[j]) }
func (s rowSorter) Swap(i, j int)      { s.rows[i], s.rows[j] = s.rows[j], s.rows[i] }

// topBy returns the n rows ranked highest by less (which must order
// "heavier" rows first), heaviest first. Quickselect partitions the copy so
// only the kept prefix needs sorting.
func topBy(rows []Row, n int, less func(a, b Row) bool) []Row {
	out := make([]Row, len(rows))
	copy(out, rows)
	s := rowSorter{rows: out, less: less}
	if n > 0 && n < len(out) {
		if err := quickselect.QuickSelect(s, n); err == nil {
			out = out[:n]
			s.rows = out
		}
	}
	sort.Sort(s)
	return out
}

// TopByTotalExec ranks statements by total execution time.
func TopByTotalExec(rows []Row, n int) []Row {
	return topBy(rows, n, func(a, b Row) bool { return a.TotalExecMs > b.TotalExecMs })
}

// TopByWALBytes ranks statements by WAL bytes generated.
func TopByWALBytes(rows []Row, n int) []Row {
	return topBy(rows, n, func(a, b Row) bool { return a.WALBytes > b.WALBytes })
}
