package speaker

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// PipeChannel — named FIFO speaker API
// -------------------------------------------------------------------------

// DefaultReadChunkSize is the per-read buffer size for the FIFO channel.
const DefaultReadChunkSize = 4096

// pollInterval bounds how long a FIFO read blocks in the kernel before the
// context is rechecked.
const pollInterval = 250 * time.Millisecond

// PipePaths names the two FIFOs of the speaker's pipe API. In carries
// commands to the speaker; Out carries the speaker's JSON messages.
type PipePaths struct {
	In  string
	Out string
}

// PipeChannel is a Channel over a pair of named FIFOs. Reads are
// non-blocking with poll-based waiting; writes open the command FIFO per
// line and are serialized by the shared writer goroutine.
type PipeChannel struct {
	paths     PipePaths
	chunkSize int
	writer    *lineWriter

	readFd  int
	rbuf    []byte
	pending []string
}

// NewPipeChannel verifies access to both FIFOs, opens the speaker's output
// FIFO for non-blocking reads, and starts the writer goroutine.
// chunkSize <= 0 selects DefaultReadChunkSize.
func NewPipeChannel(paths PipePaths, chunkSize int, writeTimeout time.Duration) (*PipeChannel, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultReadChunkSize
	}

	if err := checkPipes(paths); err != nil {
		return nil, err
	}

	fd, err := unix.Open(paths.Out, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open out pipe %s: %w", paths.Out, err)
	}

	c := &PipeChannel{
		paths:     paths,
		chunkSize: chunkSize,
		readFd:    fd,
	}
	c.writer = newLineWriter(c.rawWrite, writeTimeout)

	return c, nil
}

// checkPipes verifies the command FIFO is writable and the message FIFO is
// readable before the channel is used.
func checkPipes(paths PipePaths) error {
	if err := unix.Access(paths.In, unix.W_OK); err != nil {
		return fmt.Errorf("in pipe %s not writable: %w", paths.In, err)
	}
	if err := unix.Access(paths.Out, unix.R_OK); err != nil {
		return fmt.Errorf("out pipe %s not readable: %w", paths.Out, err)
	}
	return nil
}

// ReadLine returns the next trimmed line from the speaker's FIFO. A FIFO
// with no writer attached is not EOF: the speaker may still be starting or
// restarting, so the read keeps polling until ctx is cancelled.
func (c *PipeChannel) ReadLine(ctx context.Context) (string, error) {
	for {
		if len(c.pending) > 0 {
			line := c.pending[0]
			c.pending = c.pending[1:]
			return line, nil
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}

		if err := c.fill(); err != nil {
			return "", err
		}
	}
}

// fill polls the FIFO and appends any complete lines to pending.
func (c *PipeChannel) fill() error {
	fds := []unix.PollFd{{Fd: int32(c.readFd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(pollInterval.Milliseconds()))
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("poll out pipe: %w", err)
	}
	if n <= 0 || fds[0].Revents&unix.POLLIN == 0 {
		return nil
	}

	buf := make([]byte, c.chunkSize)
	for {
		nr, err := unix.Read(c.readFd, buf)
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			return fmt.Errorf("read out pipe: %w", err)
		}
		if nr == 0 {
			// Writer side not attached; poll again on the next fill.
			break
		}
		c.rbuf = append(c.rbuf, buf[:nr]...)
		if nr < c.chunkSize {
			break
		}
	}

	for {
		idx := bytes.IndexByte(c.rbuf, '\n')
		if idx < 0 {
			return nil
		}
		line := strings.TrimSpace(string(c.rbuf[:idx]))
		c.rbuf = c.rbuf[idx+1:]
		if line != "" {
			c.pending = append(c.pending, line)
		}
	}
}

// WriteLine emits one command line into the speaker's command FIFO.
func (c *PipeChannel) WriteLine(ctx context.Context, line string) error {
	return c.writer.writeLine(ctx, line)
}

// rawWrite opens the command FIFO, writes the newline-terminated line and
// closes it again. Opening O_WRONLY blocks until the speaker holds the
// read side; the writer goroutine absorbs that so the caller's timeout
// applies. Only ever called from the writer goroutine.
func (c *PipeChannel) rawWrite(line string) error {
	fd, err := unix.Open(c.paths.In, unix.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open in pipe %s: %w", c.paths.In, err)
	}
	defer unix.Close(fd)

	if _, err := unix.Write(fd, []byte(line+"\n")); err != nil {
		return fmt.Errorf("write in pipe: %w", err)
	}
	return nil
}

// Close stops the writer goroutine and releases the read descriptor.
func (c *PipeChannel) Close() error {
	c.writer.close()
	if err := unix.Close(c.readFd); err != nil {
		return fmt.Errorf("close out pipe: %w", err)
	}
	return nil
}
