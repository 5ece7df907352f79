package storage

import (
	"os"
	"path/filepath"
)

// DiskUsage reports the on-disk size of the store's files.
type DiskUsage struct {
	Total   int64            `json:"total_bytes"`
	PerPath map[string]int64 `json:"per_path"`
}

// MeasureDisk returns the size in bytes of each path and their total. A path
// may be a file or a directory (recursively summed). Missing paths count as 0.
// SQLite WAL and shared-memory siblings of a database file are included.
func MeasureDisk(paths ...string) (*DiskUsage, error) {
	usage := &DiskUsage{PerPath: make(map[string]int64)}
	for _, p := range paths {
		if p == "" {
			continue
		}
		var n int64
		for _, candidate := range []string{p, p + "-wal", p + "-shm"} {
			size, err := pathSize(candidate)
			if err != nil {
				return nil, err
			}
			n += size
		}
		usage.PerPath[p] = n
		usage.Total += n
	}
	return usage, nil
}

func pathSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.Walk(p, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info != nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
