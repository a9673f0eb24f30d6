package eventpoll_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rmaxwell/tinyhv/internal/eventpoll"
)

// TestDispatchTableGrowsMonotonically covers invariant 4: after AddStdin and
// AddEvent calls, the dispatch table length equals the number of
// registrations plus one (the reserved slot 0), and each token maps back to
// the kind supplied at registration.
func TestDispatchTableGrowsMonotonically(t *testing.T) {
	p, err := eventpoll.New()
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, 1, p.DispatchLen())

	stdinToken, err := p.AddStdin()
	require.NoError(t, err)
	require.Equal(t, 1, stdinToken)

	r, w, err := pipeFD()
	require.NoError(t, err)
	defer unix.Close(r)
	defer unix.Close(w)

	exitToken, err := p.AddEvent(r, eventpoll.Exit)
	require.NoError(t, err)
	require.Equal(t, 2, exitToken)

	require.Equal(t, 3, p.DispatchLen())

	kind, ok := p.KindOf(stdinToken)
	require.True(t, ok)
	require.Equal(t, eventpoll.Stdin, kind)

	kind, ok = p.KindOf(exitToken)
	require.True(t, ok)
	require.Equal(t, eventpoll.Exit, kind)

	_, ok = p.KindOf(99)
	require.False(t, ok)
}

func TestWaitResolvesReadyToken(t *testing.T) {
	p, err := eventpoll.New()
	require.NoError(t, err)
	defer p.Close()

	r, w, err := pipeFD()
	require.NoError(t, err)
	defer unix.Close(r)
	defer unix.Close(w)

	token, err := p.AddEvent(r, eventpoll.Exit)
	require.NoError(t, err)

	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)

	ready, err := p.Wait()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, token, ready[0].Token)
	require.Equal(t, eventpoll.Exit, ready[0].Kind)
}

func pipeFD() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}

	return fds[0], fds[1], nil
}
