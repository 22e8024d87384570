package storage

import (
	"bufio"
	"os"
	"path/filepath"
)

const manifestFileName = "sst_manifest"

// manifest is the ordered list of live SSTable ids, oldest first. Format:
// i32 count followed by count i64 ids.
type manifest struct {
	path string
	ids  []int64
}

func openManifest(dir string) (*manifest, error) {
	m := &manifest{path: filepath.Join(dir, manifestFileName)}
	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, ErrIO("open manifest", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	count, err := readInt32(r)
	if err != nil {
		return nil, ErrCorrupt("manifest: truncated header")
	}
	ids := make([]int64, 0, count)
	for i := int32(0); i < count; i++ {
		id, err := readInt64(r)
		if err != nil {
			return nil, ErrCorrupt("manifest: truncated id list")
		}
		ids = append(ids, id)
	}
	m.ids = ids
	return m, nil
}

// save atomically replaces the manifest file: write to a temp file in the
// same directory, fsync it, then rename over the old manifest.
func (m *manifest) save(ids []int64) error {
	tmpPath := m.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return ErrIO("create manifest temp file", err)
	}
	w := bufio.NewWriter(f)
	if err := writeInt32(w, int32(len(ids))); err != nil {
		f.Close()
		return ErrIO("write manifest", err)
	}
	for _, id := range ids {
		if err := writeInt64(w, id); err != nil {
			f.Close()
			return ErrIO("write manifest", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return ErrIO("flush manifest", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ErrIO("fsync manifest", err)
	}
	if err := f.Close(); err != nil {
		return ErrIO("close manifest temp file", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return ErrIO("rename manifest", err)
	}
	m.ids = append([]int64(nil), ids...)
	return nil
}
