package shmem

import (
	"bufio"
	"fmt"
	"os"
)

// WriteShmidsFile appends every object name this store has ever constructed
// to path, one per line, creating the file if necessary (config.ShmidsFile
// defaults to "/tmp/vistle_shmids_<uid>.txt"). Neither the hub package nor
// vistle-hub calls it; the ledger is written only where a caller does so
// explicitly.
func (s *Store) WriteShmidsFile(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open shmids file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, name := range s.LeakedNames() {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return fmt.Errorf("write shmids entry: %w", err)
		}
	}
	return w.Flush()
}

// ReadShmidsFile reads back the names recorded by WriteShmidsFile. Used by
// the cleanup tool to report or discard names left behind by a process that
// never got to unwind cleanly.
func ReadShmidsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open shmids file: %w", err)
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan shmids file: %w", err)
	}
	return names, nil
}

// ClearShmidsFile truncates path, used once the cleanup tool has finished
// reclaiming every name it listed.
func ClearShmidsFile(path string) error {
	return os.Truncate(path, 0)
}
