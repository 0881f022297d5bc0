package sshrunner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ppops/stub-gateway/internal/protocol"
)

const (
	// bannerSettle is how long the shell gets to print its login banner
	// before the command is typed.
	bannerSettle = 300 * time.Millisecond
	// stopDrain is how long output keeps flowing after a stop phrase hit.
	stopDrain = 200 * time.Millisecond
	// scanTail bounds how much committed output is retained for stop-phrase
	// scanning.
	scanTail = 64 * 1024
	// readChunk is the PTY read buffer size.
	readChunk = 4096
)

// streamBuffer accumulates PTY output between flushes and applies
// carriage-return overwrite semantics: a bare CR discards the current
// partial line (progress-bar style updates collapse to their final form),
// while CRLF counts as a plain newline. Stop phrases are matched against
// committed lines plus the current partial, so text erased by an overwrite
// can no longer trigger completion.
type streamBuffer struct {
	stop []byte // stop phrase, empty disables matching

	buf       []byte // pending output, flushed to the sink
	partialAt int    // index in buf where the current partial line starts
	scan      []byte // committed-output tail for phrase matching
	partial   []byte // current uncommitted line, for phrase matching
	crPending bool   // chunk ended on CR, LF may still follow
}

func newStreamBuffer(stopPhrase string) *streamBuffer {
	return &streamBuffer{stop: []byte(stopPhrase)}
}

// ingest consumes one raw chunk and reports whether the stop phrase has
// appeared in the accumulated output.
func (s *streamBuffer) ingest(chunk []byte) bool {
	for _, b := range chunk {
		if s.crPending {
			s.crPending = false
			if b == '\n' {
				s.commitLine()
				continue
			}
			s.overwritePartial()
		}
		switch b {
		case '\r':
			s.crPending = true
		case '\n':
			s.commitLine()
		default:
			s.buf = append(s.buf, b)
			s.partial = append(s.partial, b)
		}
	}
	return s.hit()
}

// commitLine moves the partial onto the committed tail. CRLF and bare LF
// both land in the flushed output as a single newline.
func (s *streamBuffer) commitLine() {
	s.buf = append(s.buf, '\n')
	s.scan = append(s.scan, s.partial...)
	s.scan = append(s.scan, '\n')
	if len(s.scan) > scanTail {
		s.scan = s.scan[len(s.scan)-scanTail:]
	}
	s.partial = s.partial[:0]
	s.partialAt = len(s.buf)
}

// overwritePartial erases the current partial line from both the pending
// output and the match state.
func (s *streamBuffer) overwritePartial() {
	s.buf = s.buf[:s.partialAt]
	s.partial = s.partial[:0]
}

// hit reports whether the stop phrase occurs in the retained committed tail
// or the current partial line.
func (s *streamBuffer) hit() bool {
	if len(s.stop) == 0 {
		return false
	}
	if bytes.Contains(s.scan, s.stop) {
		return true
	}
	return bytes.Contains(s.partial, s.stop)
}

// pending reports how much output is waiting to be flushed.
func (s *streamBuffer) pending() int { return len(s.buf) }

// flush returns the pending output as valid UTF-8 and resets the pending
// buffer. The match state survives the flush.
func (s *streamBuffer) flush() string {
	if len(s.buf) == 0 {
		return ""
	}
	out := strings.ToValidUTF8(string(s.buf), "�")
	s.buf = s.buf[:0]
	s.partialAt = 0
	return out
}

// pumpChunks copies reads from r into chunks until a read error or done
// closes.
func pumpChunks(r io.Reader, chunks chan<- []byte, done <-chan struct{}) {
	defer close(chunks)
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// RunInteractive executes command in a PTY shell on the connected server,
// batching output to sink. It returns when the stop phrase appears in the
// output, the shell ends, ctx is cancelled, or the sink fails. An empty
// stopPhrase runs the shell until it exits on its own.
func (r *Runner) RunInteractive(ctx context.Context, command, stopPhrase string, sink Sink) error {
	client, err := r.beginOp(PhaseStreaming)
	if err != nil {
		return err
	}
	defer r.endOp()

	session, err := client.NewSession()
	if err != nil {
		return protocol.WrapError(protocol.CodeSSHCommandFailed, "open session", err)
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		return protocol.WrapError(protocol.CodeSSHCommandFailed, "request pty", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return protocol.WrapError(protocol.CodeSSHCommandFailed, "stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return protocol.WrapError(protocol.CodeSSHCommandFailed, "stdout pipe", err)
	}

	if err := session.Shell(); err != nil {
		return protocol.WrapError(protocol.CodeSSHCommandFailed, "start shell", err)
	}

	r.mu.Lock()
	r.shellStdin = stdin
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.shellStdin = nil
		r.mu.Unlock()
	}()

	// The reader goroutine owns stdout. Closing the session unblocks its
	// read; readerDone unblocks a send still pending when cancellation or a
	// stop-phrase drain has stopped consuming chunks.
	readerDone := make(chan struct{})
	defer close(readerDone)
	chunks := make(chan []byte, 8)
	go pumpChunks(stdout, chunks, readerDone)

	acc := newStreamBuffer(stopPhrase)

	// Let the login banner land, then type the command. Banner output is
	// streamed like everything else.
	settle := time.NewTimer(bannerSettle)
settleLoop:
	for {
		select {
		case <-ctx.Done():
			settle.Stop()
			return fmt.Errorf("interactive command: %w", ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				settle.Stop()
				break settleLoop
			}
			acc.ingest(chunk)
		case <-settle.C:
			break settleLoop
		}
	}

	if _, err := stdin.Write([]byte(command + "\n")); err != nil {
		return protocol.WrapError(protocol.CodeSSHCommandFailed, "write command", err)
	}
	log.Printf("[ssh] running %q on %s", command, r.host.Alias)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() error {
		if out := acc.flush(); out != "" {
			if err := sink(out); err != nil {
				return fmt.Errorf("output sink: %w", err)
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			// Undelivered buffered output is dropped on cancellation.
			return fmt.Errorf("interactive command: %w", ctx.Err())

		case chunk, ok := <-chunks:
			if !ok {
				// Shell ended on its own.
				if err := flush(); err != nil {
					return err
				}
				return nil
			}
			stopped := acc.ingest(chunk)
			if stopped {
				return r.finishOnStop(ctx, stdin, chunks, acc, stopPhrase, sink, flush)
			}
			if acc.pending() >= r.opts.FlushBytes {
				if err := flush(); err != nil {
					return err
				}
				ticker.Reset(r.opts.FlushInterval)
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// finishOnStop handles stop-phrase completion: drain trailing output
// briefly, flush everything, exit the shell. Draining is best effort.
func (r *Runner) finishOnStop(ctx context.Context, stdin io.Writer, chunks <-chan []byte,
	acc *streamBuffer, stopPhrase string, sink Sink, flush func() error) error {

	drain := time.NewTimer(stopDrain)
	defer drain.Stop()
drainLoop:
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("interactive command: %w", ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				break drainLoop
			}
			acc.ingest(chunk)
		case <-drain.C:
			break drainLoop
		}
	}

	if err := flush(); err != nil {
		return err
	}
	if err := sink(fmt.Sprintf("[INFO] stop phrase detected: %s\n", stopPhrase)); err != nil {
		return fmt.Errorf("output sink: %w", err)
	}
	log.Printf("[ssh] stop phrase %q hit on %s", stopPhrase, r.host.Alias)

	_, _ = stdin.Write([]byte("exit\n"))
	return nil
}
