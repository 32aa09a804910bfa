package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// Console prompts for input on a terminal and logs progress events. The
// person at the terminal is always considered present.
type Console struct {
	out    io.Writer
	logger *zap.Logger

	startOnce sync.Once
	in        io.Reader
	lines     chan string
	mu        sync.Mutex
}

var (
	_ schemas.InputTransport    = (*Console)(nil)
	_ schemas.ProgressPublisher = (*Console)(nil)
	_ schemas.Liveness          = (*Console)(nil)
)

// NewConsole reads answers from in and writes prompts to out.
func NewConsole(in io.Reader, out io.Writer, logger *zap.Logger) *Console {
	return &Console{in: in, out: out, logger: logger.Named("console"), lines: make(chan string)}
}

// readLines feeds lines from the terminal. A single reader outlives
// individual requests so that a canceled prompt never leaves a stray read.
func (c *Console) readLines() {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		c.lines <- strings.TrimRight(scanner.Text(), "\r")
	}
	close(c.lines)
}

// RequestInput prompts for each input in order.
func (c *Console) RequestInput(ctx context.Context, req schemas.UserInputRequest) (<-chan schemas.UserInputAnswer, error) {
	c.startOnce.Do(func() { go c.readLines() })

	ch := make(chan schemas.UserInputAnswer, len(req.Inputs))
	go func() {
		defer close(ch)
		c.mu.Lock()
		defer c.mu.Unlock()
		if req.UserName != "" {
			fmt.Fprintf(c.out, "\n%s, input needed for %s (step %d)\n", req.UserName, req.URL, req.StepNumber)
		} else {
			fmt.Fprintf(c.out, "\nInput needed for %s (step %d)\n", req.URL, req.StepNumber)
		}
		for _, in := range req.Inputs {
			prompt := in.InputPrompt
			if prompt == "" {
				prompt = in.InputKey
			}
			fmt.Fprintf(c.out, "%s (%s): ", prompt, in.InputType)
			select {
			case line, ok := <-c.lines:
				if !ok {
					return
				}
				ch <- schemas.UserInputAnswer{RequestID: req.RequestID, InputKey: in.InputKey, Value: line}
			case <-ctx.Done():
				fmt.Fprintln(c.out)
				return
			}
		}
	}()
	return ch, nil
}

// Publish logs the event.
func (c *Console) Publish(ctx context.Context, event schemas.ProgressEvent) error {
	fields := []zap.Field{zap.String("event", string(event.Type))}
	if event.URL != "" {
		fields = append(fields, zap.String("url", event.URL))
	}
	if event.Step > 0 {
		fields = append(fields, zap.Int("step", event.Step))
	}
	c.logger.Info("Progress", fields...)
	return nil
}

// Alive always reports true.
func (c *Console) Alive() bool { return true }
