// Package prompt supplies the yes/no decisions that gate reboots, VM shutdowns
// and proceeding past preflight warnings.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Confirmer answers a yes/no question. A cancelled ctx ends the wait with
// ctx.Err().
type Confirmer interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// Terminal asks on Out and reads a line from In. Only "y" and "yes" are a
// yes; end of input is a no.
//
// In is read one line per question and never ahead, so it can be shared with
// another reader between questions. A line still pending when ctx was
// cancelled answers the next question.
type Terminal struct {
	In  io.Reader
	Out io.Writer

	once    sync.Once
	mu      sync.Mutex
	pending bool
	req     chan struct{}
	lines   chan line
}

type line struct {
	text string
	err  error
}

func (t *Terminal) start() {
	t.req = make(chan struct{})
	t.lines = make(chan line, 1)
	reader := bufio.NewReader(t.In)
	go func() {
		for range t.req {
			text, err := reader.ReadString('\n')
			t.lines <- line{text: text, err: err}
		}
	}()
}

func (t *Terminal) Confirm(ctx context.Context, question string) (bool, error) {
	t.once.Do(t.start)
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fmt.Fprintf(t.Out, "%s [y/N]: ", question)

	t.mu.Lock()
	if !t.pending {
		t.req <- struct{}{}
		t.pending = true
	}
	t.mu.Unlock()

	var got line
	select {
	case <-ctx.Done():
		fmt.Fprintln(t.Out)
		return false, ctx.Err()
	case got = <-t.lines:
	}
	t.mu.Lock()
	t.pending = false
	t.mu.Unlock()

	text, err := got.text, got.err
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	if errors.Is(err, io.EOF) && text == "" {
		fmt.Fprintln(t.Out)
		return false, nil
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Always answers every question with the same value.
type Always bool

func (a Always) Confirm(ctx context.Context, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return bool(a), nil
}

// ErrScriptExhausted is returned when a Script is asked more questions than it
// has answers for.
var ErrScriptExhausted = errors.New("no scripted answer left")

// Script answers questions in order from a fixed list.
type Script struct {
	answers []bool
	next    int
}

func NewScript(answers ...bool) *Script {
	return &Script{answers: answers}
}

func (s *Script) Confirm(ctx context.Context, question string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.next >= len(s.answers) {
		return false, fmt.Errorf("%w for %q", ErrScriptExhausted, question)
	}
	a := s.answers[s.next]
	s.next++
	return a, nil
}

// Recorder wraps another Confirmer and keeps every question it was asked.
type Recorder struct {
	Next      Confirmer
	Questions []string
}

func (r *Recorder) Confirm(ctx context.Context, question string) (bool, error) {
	r.Questions = append(r.Questions, question)
	return r.Next.Confirm(ctx, question)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, question string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, question string) (bool, error) {
	return f(ctx, question)
}
