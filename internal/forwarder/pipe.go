package forwarder

import (
	"errors"
	"io"
	"net"
	"sync"
)

// trafficWriter wraps an io.Writer to count bytes written.
// This allows using io.Copy which can leverage splice(2) for zero-copy.
type trafficWriter struct {
	w         io.Writer
	trafficFn func(int64)
}

func (tw *trafficWriter) Write(p []byte) (n int, err error) {
	n, err = tw.w.Write(p)
	if n > 0 && tw.trafficFn != nil {
		tw.trafficFn(int64(n))
	}
	return
}

// copyWithTraffic copies src to dst, reporting every successful write.
func copyWithTraffic(dst io.Writer, src io.Reader, trafficFn func(int64)) (int64, error) {
	tw := &trafficWriter{w: dst, trafficFn: trafficFn}
	return io.Copy(tw, src)
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite half-closes c when it supports it and closes it otherwise.
func closeWrite(c io.Closer) {
	if cw, ok := c.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}

// pipe copies between peer and target until both directions finish.
// Bytes read from peer are reported through inFn, bytes read from target
// through outFn. A clean EOF half-closes the opposite side; any other
// error tears down both ends.
func pipe(peer, target io.ReadWriteCloser, inFn, outFn func(int64)) {
	var (
		wg        sync.WaitGroup
		closeOnce sync.Once
	)
	closeBoth := func() {
		closeOnce.Do(func() {
			peer.Close()
			target.Close()
		})
	}

	wg.Add(2)

	// peer -> target
	go func() {
		defer wg.Done()
		_, err := copyWithTraffic(target, peer, inFn)
		if err != nil && !isBenignCopyError(err) {
			closeBoth()
			return
		}
		closeWrite(target)
	}()

	// target -> peer
	go func() {
		defer wg.Done()
		_, err := copyWithTraffic(peer, target, outFn)
		if err != nil && !isBenignCopyError(err) {
			closeBoth()
			return
		}
		closeWrite(peer)
	}()

	wg.Wait()
	closeBoth()
}

func isBenignCopyError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
