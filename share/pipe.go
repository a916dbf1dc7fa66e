package wsshare

import (
	"io"
	"sync"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/wshandshake/pkg/handshakers"
	"github.com/sammck-go/wshandshake/pkg/logger"
)

// Pipe concurrently copies in both directions between a and b. When one
// source reaches end of stream, the write side of its destination is
// closed; when a copy fails, both a and b are closed. It returns after both
// directions are done and both a and b are closed. sent counts bytes
// copied from a to b.
func Pipe(a io.ReadWriteCloser, b io.ReadWriteCloser) (sent int64, received int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	copyHalf := func(dst io.ReadWriteCloser, src io.ReadWriteCloser, n *int64) {
		defer wg.Done()
		var err error
		*n, err = io.Copy(dst, src)
		if err != nil {
			a.Close()
			b.Close()
			return
		}
		closeWrite(dst)
	}
	go copyHalf(b, a, &sent)
	go copyHalf(a, b, &received)
	wg.Wait()
	a.Close()
	b.Close()
	return sent, received
}

func closeWrite(c io.Writer) {
	if whc, ok := c.(handshakers.WriteHalfCloser); ok {
		whc.CloseWrite()
	}
}

// pipeWithStats pipes a and b while counting the stream in stats and
// logging its totals
func pipeWithStats(l logger.Logger, stats *ConnStats, a io.ReadWriteCloser, b io.ReadWriteCloser) {
	stats.Open()
	l.DLogf("%s: Open", stats)
	s, r := Pipe(a, b)
	stats.Close()
	l.DLogf("%s: Close (sent %s received %s)", stats, sizestr.ToString(s), sizestr.ToString(r))
}
