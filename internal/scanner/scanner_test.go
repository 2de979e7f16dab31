package scanner_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/igodwin/qmgr/internal/scanner"
)

func TestScanner(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "scanner suite")
}

func touch(t GinkgoTInterface, dir, name string, mtime time.Time) {
	path := filepath.Join(dir, name)
	Expect(os.WriteFile(path, []byte("x"), 0o644)).To(Succeed())
	Expect(os.Chtimes(path, mtime, mtime)).To(Succeed())
}

func drain(s *scanner.Scanner) []string {
	var out []string
	for {
		name, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, name)
	}
}

var _ = Describe("Scanner", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "qmgr-scanner")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = os.RemoveAll(dir)
	})

	It("enumerates every file once a scan is started (incoming: no mtime filtering)", func() {
		now := time.Now()
		touch(GinkgoT(), dir, "100", now)
		touch(GinkgoT(), dir, "200", now)

		s := scanner.New(dir, false)
		s.Request(scanner.ScanStart)

		Expect(drain(s)).To(ConsistOf("100", "200"))
	})

	It("returns nothing before a scan is requested", func() {
		s := scanner.New(dir, false)
		_, ok := s.Next()
		Expect(ok).To(BeFalse())
	})

	It("excludes future-stamped files from the deferred queue unless SCAN_ALL is set", func() {
		now := time.Now()
		touch(GinkgoT(), dir, "ready", now.Add(-time.Hour))
		touch(GinkgoT(), dir, "not-ready", now.Add(time.Hour))

		s := scanner.New(dir, true)
		s.Request(scanner.ScanStart)
		Expect(drain(s)).To(ConsistOf("ready"))
	})

	It("SCAN_ALL makes the next scan ignore mtimes entirely", func() {
		now := time.Now()
		touch(GinkgoT(), dir, "ready", now.Add(-time.Hour))
		touch(GinkgoT(), dir, "not-ready", now.Add(time.Hour))

		s := scanner.New(dir, true)
		s.Request(scanner.ScanAll | scanner.ScanStart)
		Expect(drain(s)).To(ConsistOf("ready", "not-ready"))
	})

	It("SCAN_ALL applies only to the scan it precedes, not a later one (§9 open question decision)", func() {
		now := time.Now()
		touch(GinkgoT(), dir, "ready", now.Add(-time.Hour))
		touch(GinkgoT(), dir, "not-ready", now.Add(time.Hour))

		s := scanner.New(dir, true)
		s.Request(scanner.ScanAll | scanner.ScanStart)
		Expect(drain(s)).To(ConsistOf("ready", "not-ready"))

		// Second scan, no SCAN_ALL this time: future file excluded again.
		s.Request(scanner.ScanStart)
		Expect(drain(s)).To(ConsistOf("ready"))
	})

	It("restarts immediately when SCAN_START arrives mid-scan, without losing the in-progress scan", func() {
		now := time.Now()
		touch(GinkgoT(), dir, "a", now)

		s := scanner.New(dir, false)
		s.Request(scanner.ScanStart)

		name, ok := s.Next()
		Expect(ok).To(BeTrue())
		Expect(name).To(Equal("a"))

		// A new file appears and a restart is requested before the first
		// scan's (already-exhausted) entry list is drained further.
		touch(GinkgoT(), dir, "b", now)
		s.Request(scanner.ScanStart)

		Expect(drain(s)).To(ConsistOf("a", "b"))
	})

	It("never overlaps a scan with itself: exhaustion ends the scan unless a restart is pending", func() {
		s := scanner.New(dir, false)
		s.Request(scanner.ScanStart)
		_, ok := s.Next()
		Expect(ok).To(BeFalse())

		_, ok = s.Next()
		Expect(ok).To(BeFalse())
	})
})
