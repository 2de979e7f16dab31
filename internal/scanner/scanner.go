// Package scanner implements the lazy, restartable enumeration of queue-file
// names described in spec §4.2.
package scanner

import (
	"os"
	"sort"
	"time"
)

// Flag is a request modifier (§4.2, §6).
type Flag int

const (
	// ScanStart begins or restarts the scan on the next turn.
	ScanStart Flag = 1 << iota
	// ScanAll makes the next scan ignore file mtimes.
	ScanAll
)

// Scanner produces a finite sequence of queue-file paths for one on-disk
// queue directory (incoming or deferred).
type Scanner struct {
	dir      string
	deferred bool // true for the deferred queue: mtime eligibility applies
	clock    func() time.Time

	scanAllNext bool // ScanAll requested for the next scan to start

	started bool // a scan has been started and not yet exhausted
	restart bool // a restart was requested while this scan is in progress

	entries []os.DirEntry
	pos     int
	scanAll bool // ScanAll in effect for the scan currently running
}

// New creates a scanner over dir. deferred selects the deferred queue's
// mtime-eligibility rule (§4.2).
func New(dir string, deferred bool) *Scanner {
	return &Scanner{dir: dir, deferred: deferred, clock: time.Now}
}

// Request applies flags (§4.2). SCAN_START begins a new scan immediately if
// none is running, or marks the running scan for restart on exhaustion —
// "if a restart is requested while a scan is in progress, the scan completes
// and is immediately restarted." SCAN_ALL is recorded for the scan that is
// about to start; per the resolved open question (see DESIGN.md) it never
// retroactively applies to a scan already in progress.
func (s *Scanner) Request(flags Flag) {
	if flags&ScanAll != 0 {
		s.scanAllNext = true
	}
	if flags&ScanStart != 0 {
		if s.started {
			s.restart = true
		} else {
			s.startScan()
		}
	}
}

// Next returns the next eligible path, or ok=false when the current scan is
// exhausted (and no restart is pending). Scans never overlap with
// themselves.
func (s *Scanner) Next() (path string, ok bool) {
	if !s.started {
		return "", false
	}

	for s.pos < len(s.entries) {
		entry := s.entries[s.pos]
		s.pos++

		if s.deferred && !s.scanAll {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(s.clock()) {
				continue
			}
		}
		return entry.Name(), true
	}

	if s.restart {
		s.restart = false
		s.startScan()
		return s.Next()
	}

	s.started = false
	s.entries = nil
	return "", false
}

func (s *Scanner) startScan() {
	s.started = true
	s.scanAll = s.scanAllNext
	s.scanAllNext = false

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.entries = []os.DirEntry{}
		s.pos = 0
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	s.entries = entries
	s.pos = 0
}
