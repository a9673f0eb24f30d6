// Package eventpoll wraps the host readiness-polling facility (epoll) the
// monitor's event loop blocks on, plus the dispatch table mapping epoll
// tokens back to logical event kinds.
package eventpoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind is the logical meaning of a dispatch token.
type Kind int

const (
	// reserved occupies dispatch-table slot 0, which is never handed out as
	// a real token (spec §8 invariant 4: dispatch table length equals the
	// number of registrations plus one, for this reserved slot).
	reserved Kind = iota
	// Exit corresponds to the i8042 exit event.
	Exit
	// Stdin corresponds to host stdin readability.
	Stdin
)

// Poller maintains an epoll instance and a monotonically growing dispatch
// table: token N is always the N-th registration, assigned once and never
// reused or reassigned.
type Poller struct {
	epfd          int
	dispatchTable []Kind
}

// New creates a readiness context with dispatch-table slot 0 pre-reserved,
// so the first real registration is always token 1.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("eventpoll: EpollCreate1: %w", err)
	}

	return &Poller{epfd: epfd, dispatchTable: []Kind{reserved}}, nil
}

// AddStdin subscribes file descriptor 0 for read-readiness, bound to Stdin.
func (p *Poller) AddStdin() (int, error) {
	return p.AddEvent(unix.Stdin, Stdin)
}

// AddEvent subscribes fd for read-readiness, bound to the given kind. The
// token is dispatchTable's length at the moment of registration: monotonic,
// stable, and dense.
func (p *Poller) AddEvent(fd int, kind Kind) (int, error) {
	token := len(p.dispatchTable)

	// The event's Fd field doubles as epoll user-data: stashing the token
	// there (rather than the real fd) lets Wait resolve a ready event back
	// to its dispatch-table slot without a separate fd->token map.
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(token)}

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return 0, fmt.Errorf("eventpoll: EpollCtl add fd=%d: %w", fd, err)
	}

	p.dispatchTable = append(p.dispatchTable, kind)

	return token, nil
}

// DispatchLen returns the dispatch table's length: the number of
// registrations plus one for the reserved slot 0.
func (p *Poller) DispatchLen() int {
	return len(p.dispatchTable)
}

// KindOf returns the kind registered for token, and whether the token is
// known.
func (p *Poller) KindOf(token int) (Kind, bool) {
	if token < 0 || token >= len(p.dispatchTable) {
		return 0, false
	}

	return p.dispatchTable[token], true
}

// Ready is one readiness notification returned from Wait: the resolved
// logical kind and the underlying token.
type Ready struct {
	Token int
	Kind  Kind
}

// Wait blocks with no timeout until at least one subscribed descriptor is
// ready, then returns the resolved dispatch entries for all ready events.
// Entries whose token is unknown (should not happen given monotonic
// registration, but defensive against spurious epoll_ctl mistakes) are
// dropped.
func (p *Poller) Wait() ([]Ready, error) {
	var events [8]unix.EpollEvent

	n, err := unix.EpollWait(p.epfd, events[:], -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}

		return nil, fmt.Errorf("eventpoll: EpollWait: %w", err)
	}

	out := make([]Ready, 0, n)

	for i := 0; i < n; i++ {
		token := int(events[i].Fd)

		kind, ok := p.KindOf(token)
		if !ok {
			continue
		}

		out = append(out, Ready{Token: token, Kind: kind})
	}

	return out, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
