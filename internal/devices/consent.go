package devices

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/deskrelay/deskrelay/internal/coordinator"
	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Decider turns a pending request into the host's answer.
type Decider interface {
	Decide(ctx context.Context, req coordinator.PendingRequest) (session.Grant, error)
}

// AutoDecider answers every request with the same grant. It serves
// unattended hosts and tests.
type AutoDecider struct {
	Grant session.Grant
}

func (a AutoDecider) Decide(context.Context, coordinator.PendingRequest) (session.Grant, error) {
	return a.Grant, nil
}

// IsInteractive reports whether f is a terminal a person can answer on.
func IsInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Prompt asks the person at the host whether to admit a requester and
// with which permissions.
type Prompt struct {
	lines <-chan string
	out   io.Writer
}

func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return &Prompt{lines: lines, out: out}
}

var errInputClosed = errors.New("consent input closed")

func (p *Prompt) Decide(ctx context.Context, req coordinator.PendingRequest) (session.Grant, error) {
	fmt.Fprintf(p.out, "\n%s wants to connect to this machine.\n", req.From)
	accept, err := p.ask(ctx, "Allow the connection?", false)
	if err != nil || !accept {
		return session.Grant{}, err
	}
	all, err := p.ask(ctx, "Grant full access (screen, mouse, keyboard, files)?", true)
	if err != nil {
		return session.Grant{}, err
	}
	if all {
		return session.Grant{Accept: true, AllAccess: true}, nil
	}

	var perms session.PermissionSet
	for _, q := range []struct {
		label string
		dst   *bool
	}{
		{"Share screen?", &perms.ScreenShare},
		{"Allow mouse control?", &perms.MouseControl},
		{"Allow keyboard control?", &perms.KeyboardControl},
		{"Allow file transfer?", &perms.FileTransfer},
	} {
		if *q.dst, err = p.ask(ctx, q.label, false); err != nil {
			return session.Grant{}, err
		}
	}
	return session.Grant{Accept: true, Permissions: &perms}, nil
}

// ask repeats the question until it reads a yes or no. An empty answer
// takes def.
func (p *Prompt) ask(ctx context.Context, question string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	for {
		fmt.Fprintf(p.out, "%s %s ", question, hint)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				return false, errInputClosed
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "":
				return def, nil
			case "y", "yes":
				return true, nil
			case "n", "no":
				return false, nil
			}
			fmt.Fprintln(p.out, "Please answer y or n.")
		}
	}
}

// Answer feeds every pending request on h to d until the session ends. A
// decider error rejects the request.
func Answer(ctx context.Context, h *coordinator.Host, d Decider, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.Done():
			return
		case req := <-h.Requests():
			g, err := d.Decide(ctx, req)
			if err != nil {
				logger.Warn().Err(err).Str("requester", req.From.String()).Msg("consent failed, rejecting")
				g = session.Grant{}
			}
			if err := h.Decide(ctx, g); err != nil {
				logger.Warn().Err(err).Str("requester", req.From.String()).Msg("decide")
			}
		}
	}
}
