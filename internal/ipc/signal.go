// Package ipc implements the payload-free cross-process signal channel
// between the widget extension and the agent.
package ipc

import (
	"context"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/safetrail/client/internal/storage/models"
)

// Flag file names the extension writes before signalling. The flags are a
// wake-up hint only, never a data channel: the agent always refetches
// authoritative state from the server.
const (
	flagCheckin  = "pending_checkin"
	flagCheckout = "pending_checkout"
)

// settleDelay gives the extension's flag write time to land before the
// agent consumes it.
const settleDelay = 500 * time.Millisecond

// Signaller is the extension-side writer: set a flag, then poke the agent's
// socket. Both steps are best-effort.
type Signaller struct {
	dir        string
	socketPath string
}

// NewSignaller creates a signaller over the shared directory and the
// agent's wake socket.
func NewSignaller(dir, socketPath string) *Signaller {
	return &Signaller{dir: dir, socketPath: socketPath}
}

// RequestCheckin asks the agent to pick up a check-in performed by the
// extension.
func (s *Signaller) RequestCheckin() error {
	return s.signal(flagCheckin)
}

// RequestCheckout asks the agent to pick up a checkout performed by the
// extension.
func (s *Signaller) RequestCheckout() error {
	return s.signal(flagCheckout)
}

func (s *Signaller) signal(flag string) error {
	if err := os.WriteFile(filepath.Join(s.dir, flag), []byte{}, 0644); err != nil {
		return err
	}

	conn, err := net.Dial("unixgram", s.socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte{1})
	return err
}

// Refresher pulls authoritative state after a wakeup.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Sessions ends background display sessions after a checkout wakeup.
type Sessions interface {
	End(trip *models.Trip)
}

// Listener is the agent-side receiver for extension wakeups.
type Listener struct {
	dir        string
	socketPath string
	refresher  Refresher
	sessions   Sessions

	conn *net.UnixConn
	done chan struct{}
}

// NewListener creates a listener over the shared directory and wake socket.
func NewListener(dir, socketPath string, refresher Refresher, sessions Sessions) *Listener {
	return &Listener{
		dir:        dir,
		socketPath: socketPath,
		refresher:  refresher,
		sessions:   sessions,
		done:       make(chan struct{}),
	}
}

// Start binds the wake socket and begins handling signals in a goroutine.
func (l *Listener) Start() error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return err
	}

	// A previous unclean shutdown leaves the socket file behind.
	os.Remove(l.socketPath)

	addr, err := net.ResolveUnixAddr("unixgram", l.socketPath)
	if err != nil {
		return err
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return err
	}
	l.conn = conn

	go l.run()
	return nil
}

// Stop closes the wake socket.
func (l *Listener) Stop() {
	if l.conn != nil {
		l.conn.Close()
	}
	os.Remove(l.socketPath)
	<-l.done
}

func (l *Listener) run() {
	defer close(l.done)

	buf := make([]byte, 16)
	for {
		if _, _, err := l.conn.ReadFromUnix(buf); err != nil {
			return
		}
		l.handleSignal()
	}
}

// handleSignal waits for the flag write to settle, consumes the flags, and
// performs a full authoritative refresh. A checkout flag takes priority:
// once the refresh completes, every background display session is ended.
func (l *Listener) handleSignal() {
	time.Sleep(settleDelay)

	checkout := l.consumeFlag(flagCheckout)
	checkin := l.consumeFlag(flagCheckin)
	if !checkout && !checkin {
		log.Println("Extension wakeup without flags; refreshing anyway")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.refresher.Refresh(ctx); err != nil {
		log.Printf("Refresh after extension wakeup failed: %v", err)
		return
	}

	if checkout {
		l.sessions.End(nil)
	}
}

func (l *Listener) consumeFlag(flag string) bool {
	path := filepath.Join(l.dir, flag)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		log.Printf("Failed to clear %s flag: %v", flag, err)
	}
	return true
}
