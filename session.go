// Package jitmem manages the executable memory of a JIT compiler.
//
// A Session owns the code caches compiled code is written to, and the named
// locks of the JIT. Compilation threads reserve a code cache through
// Session.Manager, allocate code in it and release it:
//
//	cache, _ := session.Manager().ReserveCodeCache(false, len(code), tid)
//	block, err := cache.AllocateBytes(tid, len(code))
//	...
//	cache.Unreserve()
//
// There can be only one Session per process at a time.
package jitmem

import (
	"errors"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tetratelabs/jitmem/internal/codecache"
	"github.com/tetratelabs/jitmem/internal/monitor"
)

var (
	// ErrSessionExists is returned by NewSession while another Session is open.
	ErrSessionExists = errors.New("a session is already open in this process")
	// ErrSessionClosed is returned by operations on a closed Session.
	ErrSessionClosed = errors.New("session closed")
)

// sessionOpen is true while a Session exists.
var sessionOpen atomic.Bool

// Session is the context of the code cache manager and the monitor table.
//
// All methods are safe for concurrent use.
type Session struct {
	host     Host
	logger   *zap.Logger
	monitors *monitor.Table
	manager  *codecache.Manager
	closed   atomic.Bool
}

// NewSession creates the monitor table and the code cache manager, including
// the code caches created at startup. config defaults to NewConfig and host
// to NewProcessHost when nil.
func NewSession(config *Config, host Host) (*Session, error) {
	if config == nil {
		config = NewConfig()
	}
	if host == nil {
		host = NewProcessHost()
	}
	if !sessionOpen.CAS(false, true) {
		return nil, ErrSessionExists
	}

	logger := config.logger
	monitors := monitor.NewTable(config.maxCompilationThreads, logger.Named("monitor"))
	manager, err := codecache.NewManager(config.ManagerConfig(), config.memoryBackend(), host, monitors, logger)
	if err != nil {
		monitors.Close()
		sessionOpen.Store(false)
		return nil, fmt.Errorf("failed to create code cache manager: %w", err)
	}

	logger.Info("session started",
		zap.Int("caches", len(manager.CodeCaches())),
		zap.Bool("trampolines", manager.Config().NeedsTrampolines()))
	return &Session{host: host, logger: logger, monitors: monitors, manager: manager}, nil
}

// Manager returns the code cache manager.
func (s *Session) Manager() *codecache.Manager {
	return s.manager
}

// Monitors returns the monitor table.
func (s *Session) Monitors() *monitor.Table {
	return s.monitors
}

// sweep runs fn with exclusive access and the class unload monitor held for
// write, so that no compilation thread observes a partial sweep.
func (s *Session) sweep(fn func()) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.host.AcquireExclusiveAccess()
	defer s.host.ReleaseExclusiveAccess()
	s.monitors.AcquireClassUnloadMonitorForWrite(monitor.NoThread)
	defer s.monitors.ReleaseClassUnloadMonitorForWrite(monitor.NoThread)
	fn()
	return nil
}

// UnloadClasses removes every reference to code of loader from the code
// caches.
func (s *Session) UnloadClasses(loader codecache.LoaderID) error {
	return s.sweep(func() { s.manager.OnClassUnloading(loader) })
}

// RedefineClass removes every call target into oldClass, which newClass
// replaces.
func (s *Session) RedefineClass(oldClass, newClass codecache.ClassID) error {
	return s.sweep(func() { s.manager.OnClassRedefinition(oldClass, newClass) })
}

// FSDDecompile removes every call target, as all compiled code is discarded
// when full speed debugging is enabled.
func (s *Session) FSDDecompile() error {
	return s.sweep(func() { s.manager.OnFSDDecompile() })
}

// ReclaimFaintBlocks returns the memory of faint blocks not marked live since
// the previous call to their code caches.
func (s *Session) ReclaimFaintBlocks() (n int, err error) {
	err = s.sweep(func() { n = s.manager.ReclaimFaintBlocks() })
	return
}

// Close releases the code caches and destroys the monitor table. A new
// Session can be created afterwards.
func (s *Session) Close() (err error) {
	if !s.closed.CAS(false, true) {
		return nil
	}
	err = s.manager.Close()
	s.monitors.Close()
	sessionOpen.Store(false)
	s.logger.Info("session closed")
	return
}
