// Package escalation implements the threshold engine: on every tick it folds
// newly recorded positive matches into each live session's counter and emits
// an interjection whenever the session's growing threshold is reached.
package escalation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidThreshold = errors.New("threshold must be at least 1")
	ErrInvalidIncrement = errors.New("increment must be at least 1")
)

// Milestone is one threshold crossing.
type Milestone struct {
	Reached int `json:"reached"`
	Next    int `json:"next"`
}

type Outcome struct {
	Threshold  int
	Matches    int
	Milestones []Milestone
}

// Escalate adds positives to matches and fires one milestone per threshold
// reached, raising the threshold by increment each time. A burst can fire
// several milestones in one call; the remainder carries over.
func Escalate(threshold, matches, positives, increment int) (Outcome, error) {
	if threshold < 1 {
		return Outcome{}, fmt.Errorf("%w: got %d", ErrInvalidThreshold, threshold)
	}
	if increment < 1 {
		return Outcome{}, fmt.Errorf("%w: got %d", ErrInvalidIncrement, increment)
	}
	if positives < 0 {
		positives = 0
	}
	out := Outcome{Threshold: threshold, Matches: matches + positives}
	for out.Matches >= out.Threshold {
		next := out.Threshold + increment
		out.Milestones = append(out.Milestones, Milestone{Reached: out.Threshold, Next: next})
		out.Matches -= out.Threshold
		out.Threshold = next
	}
	return out, nil
}

// Message renders the interjection text for a milestone.
func Message(m Milestone) string {
	return fmt.Sprintf("Emoji count reached %d, next threshold %d.", m.Reached, m.Next)
}
