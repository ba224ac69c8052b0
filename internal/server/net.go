package server

import (
	"net"
	"time"
)

// setTCPKeepAlive enables TCP keepalive on the connection if it is a
// *net.TCPConn and d > 0.
func setTCPKeepAlive(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(d)
}

// sessionSemaphore limits concurrent control channels. A nil channel
// (from newSessionSemaphore(0)) imposes no limit.
type sessionSemaphore struct {
	ch chan struct{}
}

func newSessionSemaphore(max int) *sessionSemaphore {
	if max <= 0 {
		return &sessionSemaphore{}
	}
	return &sessionSemaphore{ch: make(chan struct{}, max)}
}

func (s *sessionSemaphore) tryAcquire() bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *sessionSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
