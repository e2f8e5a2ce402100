// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
	"github.com/BiproDe/AKS-AI-Agent/internal/session"
	"github.com/BiproDe/AKS-AI-Agent/internal/turn"
)

const chatHelp = `Commands:
  /help    Show this help message
  /tools   List the functions the agent can call
  /reset   Forget the conversation so far
  /quit    End the session and exit
Ctrl+C cancels a running question, or exits at the prompt.`

// runChat starts one session and serves it from the terminal.
func runChat(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	sessions, historyStore := newSessionManager(cfg, logger)
	if historyStore != nil {
		defer historyStore.Close()
	}
	defer sessions.Shutdown()

	fmt.Println("Starting the Kubernetes tool provider...")
	sess, err := sessions.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	r := &chatREPL{sess: sess, in: os.Stdin, out: os.Stdout, interrupts: interrupts}
	return r.run(ctx)
}

// chatREPL reads questions line by line and prints the answers. An
// interrupt cancels the running question; at the prompt it ends the REPL.
type chatREPL struct {
	sess       *session.Session
	in         io.Reader
	out        io.Writer
	interrupts <-chan os.Signal

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	// readErr is set by the reader before lines is closed.
	readErr    error
	inputEnded bool
}

func (r *chatREPL) run(ctx context.Context) error {
	fmt.Fprintln(r.out, session.Welcome)
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Type /help for commands, /quit to exit.")

	done := make(chan struct{})
	defer close(done)
	lines := r.readLines(done)
	stop := make(chan struct{})
	go r.watchInterrupts(done, stop)

	for {
		fmt.Fprint(r.out, "aks> ")
		line, ok := r.next(ctx, lines, stop)
		if !ok {
			break
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if quit := r.command(input); quit {
				break
			}
			continue
		}

		r.ask(ctx, input)
	}

	if r.inputEnded && r.readErr != nil {
		return fmt.Errorf("input error: %w", r.readErr)
	}
	fmt.Fprintln(r.out, "Goodbye.")
	return nil
}

// readLines scans input in the background so the prompt can also wait for
// interrupts.
func (r *chatREPL) readLines(done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		r.readErr = scanner.Err()
	}()
	return lines
}

// next waits for an input line. It reports false once input ends, the
// context is done or an interrupt arrived at the prompt.
func (r *chatREPL) next(ctx context.Context, lines <-chan string, stop <-chan struct{}) (string, bool) {
	select {
	case line, ok := <-lines:
		if !ok {
			r.inputEnded = true
		}
		return line, ok
	case <-stop:
		fmt.Fprintln(r.out)
		return "", false
	case <-ctx.Done():
		fmt.Fprintln(r.out)
		return "", false
	}
}

func (r *chatREPL) watchInterrupts(done <-chan struct{}, stop chan<- struct{}) {
	for {
		select {
		case <-done:
			return
		case <-r.interrupts:
			r.cancelMu.Lock()
			cancel := r.cancel
			r.cancelMu.Unlock()
			if cancel == nil {
				close(stop)
				return
			}
			fmt.Fprintln(r.out, "\n[interrupted]")
			cancel()
		}
	}
}

func (r *chatREPL) ask(ctx context.Context, input string) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancelMu.Lock()
	r.cancel = cancel
	r.cancelMu.Unlock()

	out, err := r.sess.Ask(ctx, input)

	r.cancelMu.Lock()
	r.cancel = nil
	r.cancelMu.Unlock()
	interrupted := ctx.Err() == context.Canceled
	cancel()

	if err != nil {
		if interrupted {
			fmt.Fprintln(r.out, "[question cancelled]")
			return
		}
		fmt.Fprintln(r.out, turn.UserMessage(err))
		return
	}
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, out)
	fmt.Fprintln(r.out)
}

// command handles a slash command and reports whether to quit.
func (r *chatREPL) command(input string) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		return true
	case "/help", "/h", "/?":
		fmt.Fprintln(r.out, chatHelp)
	case "/tools":
		for _, d := range r.sess.Tools() {
			fmt.Fprintf(r.out, "  %-28s %s\n", d.Name, firstLine(d.Description))
		}
	case "/reset":
		r.sess.Reset()
		fmt.Fprintln(r.out, "Conversation cleared.")
	default:
		fmt.Fprintf(r.out, "Unknown command %s. Type /help for a list of commands.\n", input)
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
