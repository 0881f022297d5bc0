package sshrunner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/ppops/stub-gateway/internal/protocol"
	"github.com/ppops/stub-gateway/internal/registry"
)

// stderrTail keeps the last chunk of stderr for failure diagnostics.
const stderrTailSize = 2048

type tailWriter struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailSize {
		t.buf = t.buf[len(t.buf)-stderrTailSize:]
	}
	return len(p), nil
}

func (t *tailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// SCPTransfer runs the named transfer recipe from the connected driver
// server: scp is executed remotely so the data flows source → destination
// directly, never through the gateway. Progress lines from the remote scp
// stream to sink.
func (r *Runner) SCPTransfer(ctx context.Context, name string, sink Sink) error {
	recipe, err := r.reg.ResolveTransfer(name)
	if err != nil {
		return err
	}
	src, err := r.reg.ResolveHost(recipe.SrcAlias)
	if err != nil {
		return err
	}
	dst, err := r.reg.ResolveHost(recipe.DstAlias)
	if err != nil {
		return err
	}

	client, err := r.beginOp(PhaseTransferring)
	if err != nil {
		return err
	}
	defer r.endOp()

	if r.host.Alias != src.Alias {
		return protocol.NewError(protocol.CodeSCPFailed,
			fmt.Sprintf("connected to %s but transfer %s drives from %s", r.host.Alias, name, src.Alias))
	}

	session, err := client.NewSession()
	if err != nil {
		return protocol.WrapError(protocol.CodeSCPFailed, "open session", err)
	}
	defer session.Close()

	cmd := scpCommand(recipe, dst)
	log.Printf("[scp] %s: running %s", name, redactPassword(cmd, dst.Password))

	stdout, err := session.StdoutPipe()
	if err != nil {
		return protocol.WrapError(protocol.CodeSCPFailed, "stdout pipe", err)
	}
	stderr := &tailWriter{}
	session.Stderr = stderr

	if err := session.Start(cmd); err != nil {
		return protocol.WrapError(protocol.CodeSCPFailed, "start scp", err)
	}

	// done lets the scanner goroutine exit when a cancelled transfer stops
	// consuming lines; closing the session alone only unblocks its read, not
	// a send pending on a full channel.
	done := make(chan struct{})
	defer close(done)
	lines := make(chan string, 8)
	go pumpLines(stdout, lines, done)

	waitErr := make(chan error, 1)
	go func() { waitErr <- session.Wait() }()

	for {
		select {
		case <-ctx.Done():
			// Kill the remote scp; session teardown via defer.
			_ = session.Signal(ssh.SIGKILL)
			return fmt.Errorf("scp transfer %s: %w", name, ctx.Err())

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := sink(line + "\n"); err != nil {
				return fmt.Errorf("output sink: %w", err)
			}

		case err := <-waitErr:
			// Deliver any lines still queued before returning.
			if lines != nil {
				for line := range lines {
					if serr := sink(line + "\n"); serr != nil {
						return fmt.Errorf("output sink: %w", serr)
					}
				}
			}
			if err == nil {
				log.Printf("[scp] %s: completed", name)
				return nil
			}
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return protocol.NewError(protocol.CodeSCPFailed,
					fmt.Sprintf("transfer=%s exit-code=%d stderr=%s", name, exitErr.ExitStatus(), stderr.String()))
			}
			return protocol.WrapError(protocol.CodeSCPFailed, "transfer="+name, err)
		}
	}
}

// pumpLines scans r into lines until EOF or done closes.
func pumpLines(r io.Reader, lines chan<- string, done <-chan struct{}) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-done:
			return
		}
	}
}

// scpCommand builds the remote scp invocation. The destination password is
// fed through sshpass because scp on the driver has no agent access. The
// source path is a glob pattern (recipes name batches like *.dat) and must
// stay unquoted so the driver's shell expands it; quoting would hand scp the
// literal pattern and fail the transfer.
func scpCommand(recipe registry.TransferRecipe, dst registry.HostConfig) string {
	return fmt.Sprintf("sshpass -p %s scp -P %d -o StrictHostKeyChecking=no -r %s %s@%s:%s",
		shellQuote(dst.Password),
		dst.Port,
		recipe.SrcPath,
		dst.Username, dst.Host,
		shellQuote(recipe.DstPath))
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// redactPassword masks the password wherever it appears in the logged command.
func redactPassword(cmd, password string) string {
	if password == "" {
		return cmd
	}
	return strings.ReplaceAll(cmd, shellQuote(password), "'****'")
}
