package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sowankispassah/khasigpt/internal/chat"
)

// Generator produces the assistant response for a conversation. Emit is
// called once per fragment in order; the final fragment must be a finish
// fragment. Returning an error aborts the generation and is surfaced to
// the client as an error event.
type Generator interface {
	Generate(ctx context.Context, history []chat.Message, emit func(chat.Fragment) error) error
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, history []chat.Message, emit func(chat.Fragment) error) error

func (f GeneratorFunc) Generate(ctx context.Context, history []chat.Message, emit func(chat.Fragment) error) error {
	return f(ctx, history, emit)
}

// SimGenerator is a deterministic stand-in for a model backend: it
// streams a short reasoning fragment, then echoes the last user message
// word by word. delay paces the fragments; zero streams as fast as the
// consumer accepts.
type SimGenerator struct {
	delay time.Duration
}

// NewSimGenerator creates a SimGenerator.
func NewSimGenerator(delay time.Duration) *SimGenerator {
	return &SimGenerator{delay: delay}
}

func (g *SimGenerator) Generate(ctx context.Context, history []chat.Message, emit func(chat.Fragment) error) error {
	var prompt string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == chat.RoleUser {
			prompt = history[i].Text()
			break
		}
	}

	if err := g.pace(ctx); err != nil {
		return err
	}
	if err := emit(chat.Fragment{
		Type:  chat.FragmentReasoningDelta,
		Delta: "Composing a simulated reply.",
	}); err != nil {
		return err
	}

	reply := fmt.Sprintf("You said: %s", prompt)
	if prompt == "" {
		reply = "Hello! This is a simulated response."
	}

	words := strings.Fields(reply)
	for i, word := range words {
		if err := g.pace(ctx); err != nil {
			return err
		}
		delta := word
		if i < len(words)-1 {
			delta += " "
		}
		if err := emit(chat.Fragment{Type: chat.FragmentTextDelta, Delta: delta}); err != nil {
			return err
		}
	}

	return emit(chat.Fragment{Type: chat.FragmentFinish})
}

func (g *SimGenerator) pace(ctx context.Context) error {
	if g.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(g.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
