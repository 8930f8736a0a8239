// Package daemon implements trimorphd: a Unix socket server that serializes
// jail operations through one worker, plus the client used by the CLI.
//
// The wire protocol is line oriented. A client sends one request per line
// and reads one response per request, framed by a blank line:
//
//	EXECUTE <jail> <cmd> [arg]*   OK <exit-code>
//	START <jail>                  OK
//	STOP <jail>                   OK
//	STATUS [<jail>]               OK, one "<name> <STATE> [pid] [stale]" line per jail
//	RELOAD                        OK <descriptor-count>
//	QUIT                          OK, then the connection is closed
//
// Failures answer "ERR <kind> <message>".
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"trimorph/internal/config"
	"trimorph/internal/jail"
	"trimorph/internal/logging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Backlog is the listen(2) backlog of the daemon socket.
const Backlog = 5

// Jails is the part of the jail manager the daemon drives.
type Jails interface {
	Exec(ctx context.Context, name string, argv []string, stdio jail.IO) (int, error)
	Start(ctx context.Context, name string, stdio jail.IO) error
	Stop(ctx context.Context, name string) error
	Status(name string) ([]jail.Entry, error)
	Reload(set *config.Set) (int, error)
}

// Loader produces a fresh descriptor set.
type Loader interface {
	Load() (*config.Set, []config.Problem, error)
}

// Server is the daemon context: everything a request handler needs,
// threaded explicitly instead of living in globals.
type Server struct {
	Socket string
	Jails  Jails
	Loader Loader
	// LogDir receives <jail>.log files with the output of EXECUTE and START.
	LogDir string
	Logger logrus.FieldLogger

	// Ready is called once the socket is listening.
	Ready func()

	reloads chan struct{}
	once    sync.Once
}

func (s *Server) log() logrus.FieldLogger {
	return logging.Ensure(s.Logger)
}

func (s *Server) init() {
	s.once.Do(func() { s.reloads = make(chan struct{}, 1) })
}

// RequestReload schedules a descriptor reload at the next idle point of
// the worker. Requests made while one is pending coalesce.
func (s *Server) RequestReload() {
	s.init()
	select {
	case s.reloads <- struct{}{}:
	default:
	}
}

// Serve listens on the socket and handles clients one at a time until ctx
// is cancelled. The request in flight at cancellation runs to completion;
// then the listener is closed and the socket unlinked.
func (s *Server) Serve(ctx context.Context) error {
	s.init()

	if err := os.MkdirAll(filepath.Dir(s.Socket), 0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.Socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := listenUnix(s.Socket, Backlog)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Socket, err)
	}
	defer func() {
		ln.Close()
		if err := os.Remove(s.Socket); err != nil && !os.IsNotExist(err) {
			s.log().WithError(err).Warn("remove socket")
		}
	}()
	if err := os.Chmod(s.Socket, 0660); err != nil {
		s.log().WithError(err).Warn("chmod socket")
	}

	s.log().WithField("socket", s.Socket).Info("daemon listening")
	if s.Ready != nil {
		s.Ready()
	}

	conns := make(chan net.Conn)
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, ln, conns)
	}()
	defer func() {
		ln.Close()
		<-acceptDone
	}()

	for {
		if ctx.Err() != nil {
			s.log().Info("daemon shutting down")
			return nil
		}
		select {
		case <-ctx.Done():
			s.log().Info("daemon shutting down")
			return nil
		case <-s.reloads:
			if _, err := s.reload(); err != nil {
				s.log().WithError(err).Error("reload failed; keeping previous descriptors")
			}
		case conn := <-conns:
			s.serveConn(ctx, conn)
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, conns chan<- net.Conn) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log().WithError(err).Warn("accept")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		select {
		case conns <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// serveConn reads requests from one client until QUIT, EOF or shutdown.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// a blocked read ends at shutdown; a running handler does not
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()
	hctx := context.WithoutCancel(ctx)

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			if err != nil {
				return
			}
			continue
		}

		req, perr := ParseRequest(line)
		var resp Response
		switch {
		case perr != nil:
			resp = Fail(perr)
		case req.Verb == VerbQuit:
			_, _ = OK().WriteTo(conn)
			return
		default:
			resp = s.Handle(hctx, req)
		}

		if _, werr := resp.WriteTo(conn); werr != nil {
			s.log().WithError(werr).Debug("write response")
			return
		}
		if err != nil || ctx.Err() != nil {
			return
		}
	}
}

// Handle executes one request. A panic in a handler is reported as an
// Internal error and does not stop the daemon.
func (s *Server) Handle(ctx context.Context, req Request) (resp Response) {
	log := s.log().WithFields(logrus.Fields{
		"request_id": uuid.NewString(),
		"verb":       req.Verb,
	})
	started := time.Now()

	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Error("request handler panicked")
			resp = Response{Kind: KindInternal, Message: fmt.Sprintf("internal error: %v", p)}
		}
		entry := log.WithField("duration", time.Since(started))
		if resp.OK {
			entry.Debug("request done")
		} else {
			entry.WithField("kind", resp.Kind).Info(resp.Message)
		}
	}()

	log.WithField("args", req.Args).Debug("request")

	switch req.Verb {
	case VerbExecute:
		name, argv := req.Args[0], req.Args[1:]
		out := s.jailLog(name)
		defer out.Close()
		code, err := s.Jails.Exec(ctx, name, argv, jail.IO{Stdout: out, Stderr: out})
		if err != nil {
			return Fail(err)
		}
		return OK(strconv.Itoa(code))

	case VerbStart:
		out := s.jailLog(req.Args[0])
		defer out.Close()
		if err := s.Jails.Start(ctx, req.Args[0], jail.IO{Stdout: out, Stderr: out}); err != nil {
			return Fail(err)
		}
		return OK()

	case VerbStop:
		if err := s.Jails.Stop(ctx, req.Args[0]); err != nil {
			return Fail(err)
		}
		return OK()

	case VerbStatus:
		var name string
		if len(req.Args) == 1 {
			name = req.Args[0]
		}
		entries, err := s.Jails.Status(name)
		if err != nil {
			return Fail(err)
		}
		lines := make([]string, 0, len(entries))
		for _, e := range entries {
			lines = append(lines, FormatStatus(e))
		}
		return OK(lines...)

	case VerbReload:
		n, err := s.reload()
		if err != nil {
			return Fail(err)
		}
		return OK(strconv.Itoa(n))
	}

	return Fail(fmt.Errorf("unhandled verb %s", req.Verb))
}

// reload loads a new descriptor set and swaps it in. If loading fails the
// previous set stays in place.
func (s *Server) reload() (int, error) {
	if s.Loader == nil {
		return 0, errors.New("no descriptor loader configured")
	}
	set, problems, err := s.Loader.Load()
	if err != nil {
		return 0, fmt.Errorf("load descriptors: %w", err)
	}
	for _, p := range problems {
		s.log().WithField("file", p.File).WithError(p.Err).Warn("descriptor skipped")
	}
	n, err := s.Jails.Reload(set)
	if err != nil {
		s.log().WithError(err).Warn("reconcile after reload")
	}
	s.log().WithField("count", n).Info("descriptors reloaded")
	return n, nil
}

// jailLog returns a writer appending to $LOG/<jail>.log. The file is only
// created once something is written, so unknown jails leave no log behind.
func (s *Server) jailLog(name string) *lazyFile {
	if s.LogDir == "" {
		return &lazyFile{}
	}
	return &lazyFile{path: filepath.Join(s.LogDir, name+".log"), log: s.log()}
}

type lazyFile struct {
	path string
	log  logrus.FieldLogger
	f    *os.File
	err  error
}

func (l *lazyFile) Write(p []byte) (int, error) {
	if l.path == "" {
		return len(p), nil
	}
	if l.f == nil && l.err == nil {
		l.f, l.err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if l.err != nil {
			l.log.WithError(l.err).Warn("open jail log")
		}
	}
	if l.err != nil {
		// output is dropped rather than failing the command
		return len(p), nil
	}
	return l.f.Write(p)
}

func (l *lazyFile) Close() error {
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}
