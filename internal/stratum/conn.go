package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/gomproxy/pkg/log"
)

// MaxLineSize bounds a single JSON line. mining.notify with a long merkle
// branch and a large coinbase stays well below this.
const MaxLineSize = 64 * 1024

// Conn is a line-framed Stratum V1 connection to an upstream pool
type Conn struct {
	conn   net.Conn
	logger *log.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an established connection
func NewConn(conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		conn:         conn,
		logger:       logger.WithFields("upstream_addr", conn.RemoteAddr().String()),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// Dial connects to an upstream pool
func Dial(ctx context.Context, addr string, timeout time.Duration, logger *log.Logger, readTimeout, writeTimeout time.Duration) (*Conn, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := NewConn(conn, logger, readTimeout, writeTimeout)
	c.logger.LogConnection("upstream connected", addr)
	return c, nil
}

// RemoteAddr returns the pool address
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// ReadLoop parses incoming lines and delivers them to out until the
// connection ends. Lines that are not valid JSON are logged and skipped.
// A clean EOF returns nil.
func (c *Conn) ReadLoop(ctx context.Context, out chan<- *Message) error {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), MaxLineSize)

	for {
		if c.readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return fmt.Errorf("failed to set read deadline: %w", err)
			}
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				select {
				case <-c.done:
					return nil
				default:
				}
				return fmt.Errorf("upstream read failed: %w", err)
			}
			c.logger.Info("upstream closed connection")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := ParseMessage(line)
		if err != nil {
			c.logger.WithError(err).Warn("discarding unparseable upstream line")
			continue
		}

		c.logger.LogProtocolMessage("received", "v1", describe(msg))

		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		}
	}
}

// WriteLoop writes messages from in until the channel is closed or the
// context ends.
func (c *Conn) WriteLoop(ctx context.Context, in <-chan *Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := c.WriteMessage(msg); err != nil {
				return err
			}
		}
	}
}

// WriteMessage writes one message followed by a newline
func (c *Conn) WriteMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return err
	}

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("upstream write failed: %w", err)
	}

	c.logger.LogProtocolMessage("sent", "v1", describe(msg))
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.logger.LogConnection("upstream disconnected", c.RemoteAddr())
	})
	return err
}

func describe(msg *Message) string {
	if msg.Method != "" {
		return msg.Method
	}
	return fmt.Sprintf("response id=%v", msg.ID)
}
