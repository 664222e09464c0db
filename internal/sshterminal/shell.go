package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gluk-w/claworc/webssh/internal/logutil"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultTermType is the TERM value requested for the remote PTY.
	DefaultTermType = "xterm"
	// DefaultCols and DefaultRows are the initial PTY geometry.
	DefaultCols = 80
	DefaultRows = 24

	// DefaultKeepaliveTimeout bounds the liveness probe in Shell.Active.
	DefaultKeepaliveTimeout = 5 * time.Second

	// readBufferSize is the size of a single stdout read.
	readBufferSize = 32 * 1024
	// outputQueueSize is how many unread chunks the stdout pump buffers
	// before it stops reading and lets SSH flow control push back.
	outputQueueSize = 64
)

// MaxResizeCols and MaxResizeRows bound PTY geometry change requests.
const (
	MaxResizeCols = 500
	MaxResizeRows = 500
)

// MaxInputMessageSize is the largest single input payload forwarded to a
// shell.
const MaxInputMessageSize = 64 * 1024

// Dialer opens interactive shells on remote hosts.
type Dialer struct {
	// TermType is the PTY terminal type. Defaults to DefaultTermType.
	TermType string
	// Cols and Rows are the initial PTY geometry. Default to 80x24.
	Cols, Rows int
	// KeepaliveTimeout bounds Shell.Active. Defaults to DefaultKeepaliveTimeout.
	KeepaliveTimeout time.Duration
}

// Dial connects to t, authenticates, and starts a login shell on a PTY.
// The context deadline bounds the whole handshake; cancelling ctx aborts it.
func (d *Dialer) Dial(ctx context.Context, t Target) (*Shell, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	auth, err := t.authMethods()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            t.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	addr := t.Address()
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// The SSH handshake is not context-aware; bound it by the context
	// deadline and tear the socket down if ctx is cancelled mid-handshake.
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	stopWatch := context.AfterFunc(ctx, func() { netConn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		stopWatch()
		netConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctxErr)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	shell, err := d.startShell(client)
	if err != nil {
		stopWatch()
		client.Close()
		return nil, err
	}

	if !stopWatch() {
		shell.Close()
		return nil, fmt.Errorf("ssh connect to %s: %w", addr, ctx.Err())
	}
	netConn.SetDeadline(time.Time{})

	log.Printf("[sshterminal] shell started on %s", logutil.Target(t.Username, t.Host, t.Port))
	return shell, nil
}

func (d *Dialer) startShell(client *ssh.Client) (*Shell, error) {
	termType := d.TermType
	if termType == "" {
		termType = DefaultTermType
	}
	cols, rows := d.Cols, d.Rows
	if cols <= 0 || rows <= 0 {
		cols, rows = DefaultCols, DefaultRows
	}
	keepalive := d.KeepaliveTimeout
	if keepalive <= 0 {
		keepalive = DefaultKeepaliveTimeout
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(termType, rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start login shell: %w", err)
	}

	s := &Shell{
		client:           client,
		session:          session,
		stdin:            stdin,
		keepaliveTimeout: keepalive,
		out:              make(chan []byte, outputQueueSize),
		closed:           make(chan struct{}),
		transportDone:    make(chan struct{}),
	}
	go s.pump(stdout)
	go func() {
		client.Wait()
		close(s.transportDone)
	}()
	return s, nil
}

// Shell is one interactive PTY session together with the SSH client
// connection that carries it.
type Shell struct {
	client           *ssh.Client
	session          *ssh.Session
	stdin            io.WriteCloser
	keepaliveTimeout time.Duration

	writeMu sync.Mutex

	out     chan []byte
	errMu   sync.Mutex
	readErr error

	closeOnce     sync.Once
	closed        chan struct{}
	transportDone chan struct{}
}

// pump moves stdout chunks into the output queue until the stream ends or
// the shell is closed.
func (s *Shell) pump(stdout io.Reader) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.out <- chunk:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			s.errMu.Lock()
			s.readErr = err
			s.errMu.Unlock()
			close(s.out)
			return
		}
	}
}

// ReadAvailable returns the next pending output chunk without blocking. It
// returns (nil, nil) when nothing is pending. Once the remote stream has
// ended and all buffered output was consumed it returns the stream error,
// io.EOF for a clean end.
func (s *Shell) ReadAvailable() ([]byte, error) {
	select {
	case chunk, ok := <-s.out:
		if ok {
			return chunk, nil
		}
		s.errMu.Lock()
		err := s.readErr
		s.errMu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return nil, err
	default:
		return nil, nil
	}
}

// Write sends p to the shell's stdin.
func (s *Shell) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.stdin.Write(p)
}

// Resize changes the PTY geometry.
func (s *Shell) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return s.session.WindowChange(rows, cols)
}

// Active reports whether the SSH transport is still alive. It fails fast
// once the shell or the connection is closed and otherwise sends a
// keepalive request bounded by the keepalive timeout.
func (s *Shell) Active() bool {
	select {
	case <-s.closed:
		return false
	case <-s.transportDone:
		return false
	default:
	}

	reply := make(chan error, 1)
	go func() {
		_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
		reply <- err
	}()

	timer := time.NewTimer(s.keepaliveTimeout)
	defer timer.Stop()
	select {
	case err := <-reply:
		return err == nil
	case <-timer.C:
		return false
	case <-s.transportDone:
		return false
	}
}

// Close terminates the session and the client connection. It is safe to
// call more than once; later calls return nil.
func (s *Shell) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.stdin.Close()
		if err := s.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			firstErr = fmt.Errorf("close session: %w", err)
		}
		if err := s.client.Close(); err != nil && firstErr == nil && !errors.Is(err, net.ErrClosed) {
			firstErr = fmt.Errorf("close client: %w", err)
		}
	})
	return firstErr
}
