package aeronet

import "sync"

// AsyncServer runs a Server's reactor loop on a background goroutine,
// exposing the request_stop/stop_and_join/rethrow_if_error surface
// named in §4.10 for embedders that don't want to dedicate their own
// goroutine to Run.
type AsyncServer struct {
	srv *Server

	mu      sync.Mutex
	err     error
	done    chan struct{}
	started bool
}

// NewAsyncServer wraps srv, which must already have had Listen called.
func NewAsyncServer(srv *Server) *AsyncServer {
	return &AsyncServer{srv: srv, done: make(chan struct{})}
}

// Start launches the reactor loop on a new goroutine. Calling it twice
// is a programming error.
func (a *AsyncServer) Start() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		panic("aeronet: AsyncServer.Start called twice")
	}
	a.started = true
	a.mu.Unlock()

	go func() {
		err := a.srv.Run()
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
		close(a.done)
	}()
}

// RequestStop begins a graceful drain and asks the loop to exit once
// drained; it does not block.
func (a *AsyncServer) RequestStop() {
	a.srv.BeginDrain()
	a.srv.Stop()
}

// StopAndJoin requests a stop and blocks until the loop goroutine has
// exited.
func (a *AsyncServer) StopAndJoin() error {
	a.RequestStop()
	<-a.done
	return a.RethrowIfError()
}

// RethrowIfError returns the error Run exited with, if any, or nil if
// the loop is still running or exited cleanly.
func (a *AsyncServer) RethrowIfError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
