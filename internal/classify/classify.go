// Package classify holds the text classifiers the annotation pipeline consults.
package classify

import "context"

// Classifier decides whether a text value matches the tracked pattern.
type Classifier interface {
	Classify(ctx context.Context, text string) (bool, error)
}

// Func adapts a pure predicate into a Classifier that never fails.
type Func func(text string) bool

func (f Func) Classify(_ context.Context, text string) (bool, error) {
	return f(text), nil
}

// Emoji is the default classifier: it reports whether text contains an emoji.
var Emoji Classifier = Func(ContainsEmoji)
