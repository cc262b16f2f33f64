package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	overlayFileName  = "overlay.json"
	deliverySockName = "delivery.sock"
	disabledFileName = "disabled"
)

// overlayDocument is what the shell process renders.
type overlayDocument struct {
	Content Content   `json:"content"`
	StaleAt time.Time `json:"stale_at"`
	Ended   bool      `json:"ended"`
}

// FileSurface bridges to the platform shell's overlay renderer through a
// shared directory: session content is published as an atomic JSON file, and
// the shell sends rotating delivery tokens back as datagrams on a unix
// socket. A "disabled" marker file in the directory means the user turned
// the overlay off.
type FileSurface struct {
	dir  string
	conn *net.UnixConn

	mu      sync.Mutex
	current string
	tokens  chan string
}

// NewFileSurface binds the delivery-token socket in the shared directory.
func NewFileSurface(dir string) (*FileSurface, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating overlay directory: %w", err)
	}

	sockPath := filepath.Join(dir, deliverySockName)
	os.Remove(sockPath)

	addr, err := net.ResolveUnixAddr("unixgram", sockPath)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("binding delivery socket: %w", err)
	}

	s := &FileSurface{dir: dir, conn: conn}
	go s.readTokens()
	return s, nil
}

// Request implements Surface.
func (s *FileSurface) Request(ctx context.Context, content Content, staleAt time.Time) (<-chan string, error) {
	if _, err := os.Stat(filepath.Join(s.dir, disabledFileName)); err == nil {
		return nil, ErrNotAuthorized
	}

	if err := s.writeDocument(overlayDocument{Content: content, StaleAt: staleAt}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.tokens != nil {
		close(s.tokens)
	}
	s.current = content.TripID
	s.tokens = make(chan string, 16)
	tokens := s.tokens
	s.mu.Unlock()

	return tokens, nil
}

// Update implements Surface.
func (s *FileSurface) Update(ctx context.Context, tripID string, content Content, staleAt time.Time) error {
	return s.writeDocument(overlayDocument{Content: content, StaleAt: staleAt})
}

// End implements Surface.
func (s *FileSurface) End(ctx context.Context, tripID string, final *Content) error {
	s.mu.Lock()
	if s.current == tripID && s.tokens != nil {
		close(s.tokens)
		s.tokens = nil
		s.current = ""
	}
	s.mu.Unlock()

	if final == nil {
		err := os.Remove(filepath.Join(s.dir, overlayFileName))
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return s.writeDocument(overlayDocument{Content: *final, Ended: true})
}

// Close tears down the token socket.
func (s *FileSurface) Close() error {
	err := s.conn.Close()
	os.Remove(filepath.Join(s.dir, deliverySockName))
	return err
}

func (s *FileSurface) writeDocument(doc overlayDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding overlay document: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".overlay-*")
	if err != nil {
		return fmt.Errorf("creating temp overlay: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing overlay: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing overlay: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, overlayFileName)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publishing overlay: %w", err)
	}
	return nil
}

// readTokens forwards delivery-token datagrams from the shell to the
// current session's stream. Tokens arriving with no session open are
// dropped.
func (s *FileSurface) readTokens() {
	buf := make([]byte, 512)
	for {
		n, _, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			return
		}

		token := strings.TrimSpace(string(buf[:n]))
		if token == "" {
			continue
		}

		s.mu.Lock()
		if s.tokens != nil {
			select {
			case s.tokens <- token:
			default:
			}
		}
		s.mu.Unlock()
	}
}
