package dirsync

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sync"

	nberrors "github.com/alexjbarnes/nas-backup/internal/errors"
	"github.com/alexjbarnes/nas-backup/internal/transport"
)

// memRemote is an in-memory Remote that records sizes per remote
// directory. Used where a gomock script would only restate the plan.
type memRemote struct {
	mu      sync.Mutex
	dirs    map[string]Snapshot
	flat    map[string]int64
	failOn  map[string]error // keyed by "op dir/rel"
	listErr error
	calls   []string
}

func newMemRemote() *memRemote {
	return &memRemote{
		dirs:   make(map[string]Snapshot),
		flat:   make(map[string]int64),
		failOn: make(map[string]error),
	}
}

func (m *memRemote) seed(dir string, snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(Snapshot, len(snap))
	for k, v := range snap {
		cp[k] = v
	}
	m.dirs[dir] = cp
}

func (m *memRemote) snapshot(dir string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(Snapshot)
	for k, v := range m.dirs[dir] {
		cp[k] = v
	}
	return cp
}

func (m *memRemote) List(_ context.Context, dir string) (map[string]int64, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "list "+dir)
	m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.snapshot(dir), nil
}

func (m *memRemote) Upload(_ context.Context, localDir, rel, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := "upload " + path.Join(dir, rel)
	m.calls = append(m.calls, key)
	if err := m.failOn[key]; err != nil {
		return err
	}

	info, err := os.Stat(filepath.Join(localDir, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}

	if m.dirs[dir] == nil {
		m.dirs[dir] = make(Snapshot)
	}
	m.dirs[dir][rel] = info.Size()

	return nil
}

func (m *memRemote) Delete(_ context.Context, dir, rel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := "delete " + path.Join(dir, rel)
	m.calls = append(m.calls, key)
	if err := m.failOn[key]; err != nil {
		return err
	}

	if _, ok := m.dirs[dir][rel]; !ok {
		return nberrors.ErrNotFound
	}
	delete(m.dirs[dir], rel)

	return nil
}

func (m *memRemote) LegacyUpload(_ context.Context, localFile string) (*transport.UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := filepath.Base(localFile)
	key := "legacy " + name
	m.calls = append(m.calls, key)
	if err := m.failOn[key]; err != nil {
		return nil, err
	}

	info, err := os.Stat(localFile)
	if err != nil {
		return nil, err
	}
	m.flat[name] = info.Size()

	return &transport.UploadResult{Filename: name, Size: info.Size()}, nil
}
