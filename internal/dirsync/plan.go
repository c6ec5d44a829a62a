package dirsync

import "sort"

// Plan is the set of transfers that brings a remote directory in line
// with a local one. Both lists are sorted and never share a path.
type Plan struct {
	Upload []string
	Delete []string
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return len(p.Upload) == 0 && len(p.Delete) == 0
}

// ComputePlan diffs two snapshots. A local file is uploaded when the
// remote side lacks it or holds a different size; a remote file is
// deleted when it no longer exists locally. Size is the only change
// signal, so a same-size edit goes unnoticed.
func ComputePlan(local, remote Snapshot) Plan {
	p := Plan{
		Upload: []string{},
		Delete: []string{},
	}

	for path, size := range local {
		if rsize, ok := remote[path]; !ok || rsize != size {
			p.Upload = append(p.Upload, path)
		}
	}

	for path := range remote {
		if _, ok := local[path]; !ok {
			p.Delete = append(p.Delete, path)
		}
	}

	sort.Strings(p.Upload)
	sort.Strings(p.Delete)

	return p
}
