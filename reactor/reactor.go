// Package reactor wraps Linux epoll as the engine's readiness-
// notification loop (§4.1). It is new code — badu-http's conn.go used
// one blocking goroutine per connection and never touched epoll — so
// the wrapper is grounded directly in the design spec's operation list
// (add/modify/remove/poll) and built on golang.org/x/sys/unix, the
// syscall dependency nabbar-golib's go.mod already carries.
package reactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Event mirrors the subset of epoll readiness flags the engine cares
// about, kept independent of unix.EPOLLIN so callers never import
// golang.org/x/sys/unix directly.
type Event uint32

const (
	EventReadable Event = 1 << iota
	EventWritable
	EventHangup
	EventError
)

func toEpoll(e Event) uint32 {
	var m uint32
	if e&EventReadable != 0 {
		m |= unix.EPOLLIN
	}
	if e&EventWritable != 0 {
		m |= unix.EPOLLOUT
	}
	// Level-triggered is the reference semantics (§4.1); we never set
	// EPOLLET. Hangup/error are always reported by the kernel.
	return m
}

func fromEpoll(m uint32) Event {
	var e Event
	if m&unix.EPOLLIN != 0 {
		e |= EventReadable
	}
	if m&unix.EPOLLOUT != 0 {
		e |= EventWritable
	}
	if m&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		e |= EventHangup
	}
	if m&unix.EPOLLERR != 0 {
		e |= EventError
	}
	return e
}

// Loop is a single-threaded epoll readiness loop. It is not safe for
// concurrent use except for Wake, which may be called from any
// goroutine (§5: "cross-thread interaction is limited to stop(), which
// writes the wakeup fd").
type Loop struct {
	epfd     int
	wakeR    int
	wakeW    int
	events   []unix.EpollEvent
	mu       sync.Mutex // guards closed, only for Wake/Close races
	closed   bool
}

// ErrorHandler is a callback type for Modify/Remove failures on a
// registered fd. Loop itself never calls one: Modify and Remove return
// the error, and IsBenignRace tells the caller whether it is an
// EBADF/ENOENT close-race rather than a structural bug (§4.1).
type ErrorHandler func(fd int, err error)

// New creates an epoll instance with a self-pipe (eventfd) wakeup
// primitive already registered for readable events.
func New(maxEvents int) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	l := &Loop{
		epfd:   epfd,
		wakeR:  efd,
		wakeW:  efd,
		events: make([]unix.EpollEvent, maxEvents),
	}
	if err := l.Add(efd, EventReadable); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, err
	}
	return l, nil
}

// Add registers fd for the given readiness events.
func (l *Loop) Add(fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify changes the readiness mask for a registered fd.
func (l *Loop) Modify(fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove unregisters fd. ENOENT/EBADF are returned to the caller so it
// can decide whether to downgrade them to a warning (they usually mean
// another error branch already closed the fd this cycle).
func (l *Loop) Remove(fd int) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// IsBenignRace reports whether err from Modify/Remove indicates the fd
// was already closed concurrently, per §4.1's downgrade-to-warning rule.
func IsBenignRace(err error) bool {
	return err == unix.EBADF || err == unix.ENOENT
}

// Poll blocks up to timeoutMs (negative = forever, 0 = non-blocking)
// waiting for readiness, then invokes dispatch once per ready fd other
// than the internal wakeup fd. It returns the number of events
// delivered to dispatch (the wakeup, if it fired, is not counted).
func (l *Loop) Poll(timeoutMs int, dispatch func(fd int, ev Event)) (int, error) {
	n, err := unix.EpollWait(l.epfd, l.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	delivered := 0
	for i := 0; i < n; i++ {
		fd := int(l.events[i].Fd)
		if fd == l.wakeR {
			drainWake(fd)
			continue
		}
		dispatch(fd, fromEpoll(l.events[i].Events))
		delivered++
	}
	return delivered, nil
}

func drainWake(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}

// Wake unblocks a concurrent Poll call promptly; safe to call from any
// goroutine, any number of times, including after Close (best effort).
func (l *Loop) Wake() {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	one := [8]byte{1}
	unix.Write(l.wakeW, one[:])
}

// Close releases the epoll and wakeup file descriptors. Idempotent.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	unix.Close(l.wakeR)
	return unix.Close(l.epfd)
}
