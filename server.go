package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/golang/glog"
)

// server serves the http mux until ctx is done.
type server struct {
	addr       string
	httpServer *http.Server
}

func newServer(addr string, mux *http.ServeMux) *server {
	return &server{
		addr:       addr,
		httpServer: &http.Server{Handler: mux},
	}
}

func (s *server) listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s error: %w", s.addr, err)
	}
	return lis, nil
}

func (s *server) Run(ctx context.Context, lis net.Listener, stopDoneNotifyC chan<- struct{}) {
	go func() {
		glog.Infof("http server is listening %v", s.addr)
		if err := s.httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			glog.Errorf("error serve http mux server: %v", err)
		}
	}()

	<-ctx.Done()
	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		glog.Errorf("http server shutdown error: %v", err)
	}
	glog.Infof("http server shutdown done")
	stopDoneNotifyC <- struct{}{}
}
