package chat

import (
	"errors"
	"fmt"
)

// Sentinel errors for message assembly.
var (
	// ErrEmptyMessage indicates a submitted message carried no parts.
	ErrEmptyMessage = errors.New("message has no parts")

	// ErrAccumulatorFinished indicates a fragment arrived after finish.
	ErrAccumulatorFinished = errors.New("accumulator already finished")
)

// Accumulator assembles the ordered fragment events of one generation
// into a single assistant message.
//
// The append rule preserves left-to-right ordering under interleaved
// fragment kinds: a delta of kind K extends the last part only when that
// part is of kind K and is the most recent part of the message; otherwise
// a new part is opened. Data parts always open a new part.
//
// Accumulator is not safe for concurrent use; the stream transport applies
// fragments from a single reader goroutine in arrival order.
type Accumulator struct {
	msg      Message
	finished bool
}

// NewAccumulator creates an accumulator for a fresh assistant message.
func NewAccumulator(messageID string) *Accumulator {
	return &Accumulator{
		msg: Message{ID: messageID, Role: RoleAssistant},
	}
}

// Apply folds one fragment into the message. Fragments must be applied in
// the order the channel delivered them; Apply never reorders.
func (a *Accumulator) Apply(f Fragment) error {
	if a.finished {
		return fmt.Errorf("apply %s: %w", f.Type, ErrAccumulatorFinished)
	}

	switch f.Type {
	case FragmentTextDelta:
		a.appendDelta(PartText, f.Delta)
	case FragmentReasoningDelta:
		a.appendDelta(PartReasoning, f.Delta)
	case FragmentDataPart:
		a.msg.Parts = append(a.msg.Parts, NewDataPart(f.Kind, f.Payload))
	case FragmentFinish:
		a.finished = true
	default:
		return fmt.Errorf("apply: unknown fragment type %q", f.Type)
	}
	return nil
}

// appendDelta extends the last part when it matches kind, else opens a new
// part. This is what keeps "reasoning, text, reasoning" three parts while
// collapsing consecutive deltas of one kind into a single part.
func (a *Accumulator) appendDelta(kind PartKind, delta string) {
	if n := len(a.msg.Parts); n > 0 && a.msg.Parts[n-1].Kind == kind {
		a.msg.Parts[n-1].Text += delta
		return
	}
	a.msg.Parts = append(a.msg.Parts, Part{Kind: kind, Text: delta})
}

// Finished reports whether the finish fragment has been applied.
func (a *Accumulator) Finished() bool {
	return a.finished
}

// Message returns a copy of the message assembled so far. Safe to call
// between fragments; the copy does not alias the accumulator's parts.
func (a *Accumulator) Message() Message {
	return a.msg.Clone()
}
