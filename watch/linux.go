//go:build linux

package watch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DirWatcher watches one directory for IN_CLOSE_WRITE events, mirroring
// cmd/controller/platform_rpi.go's initSDCardNotifier buffer-draining
// loop shape, generalized from IN_CREATE|IN_DELETE on /dev to
// IN_CLOSE_WRITE on an arbitrary image drop directory.
type DirWatcher struct {
	f      *os.File
	dir    string
	events chan Event
	done   chan struct{}
}

// Open starts watching dir for files closed after writing.
func Open(dir string) (*DirWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("watch: inotify_init1: %w", err)
	}
	f := os.NewFile(uintptr(fd), "inotify")
	if _, err := unix.InotifyAddWatch(fd, dir, unix.IN_CLOSE_WRITE); err != nil {
		f.Close()
		return nil, fmt.Errorf("watch: inotify_add_watch %s: %w", dir, err)
	}
	w := &DirWatcher{
		f:      f,
		dir:    dir,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *DirWatcher) Events() <-chan Event { return w.events }

func (w *DirWatcher) Close() error {
	close(w.done)
	return w.f.Close()
}

func (w *DirWatcher) run() {
	defer close(w.events)
	// Room for 16 events plus paths and their NUL terminator.
	var buf [(unix.SizeofInotifyEvent + unix.PathMax + 1) * 16]byte
	for {
		n, err := w.f.Read(buf[:])
		if err != nil {
			return
		}
		evts := buf[:n]
		for len(evts) > 0 {
			evt := (*unix.InotifyEvent)(unsafe.Pointer(&evts[0]))
			evts = evts[unix.SizeofInotifyEvent:]
			var name string
			if evt.Len > 0 {
				nameb := evts[:evt.Len-1]
				evts = evts[evt.Len:]
				nameb = bytes.TrimRight(nameb, "\x00")
				name = string(nameb)
			}
			if evt.Mask&unix.IN_CLOSE_WRITE == 0 || name == "" {
				continue
			}
			select {
			case w.events <- Event{Path: filepath.Join(w.dir, name)}:
			case <-w.done:
				return
			}
		}
	}
}

var _ Watcher = (*DirWatcher)(nil)
