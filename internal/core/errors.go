package core

import (
	"errors"
	"fmt"

	"eino_nlu/internal/ml"
	"eino_nlu/internal/utterance"
)

var (
	// ErrTrainingCanceled stops a training run whose session was canceled.
	ErrTrainingCanceled = errors.New("training canceled")
	ErrNoProvider       = errors.New("no provider could successfully fulfill request")
	ErrModelNotFound    = errors.New("model not found")

	ErrRangeInvalid      = utterance.ErrInvalidRange
	ErrDimensionMismatch = ml.ErrDimensionMismatch
)

// InvalidLanguagePredictorError is returned by predict when no predictor is
// loaded for the language it settled on.
type InvalidLanguagePredictorError struct {
	Language string
}

func (e *InvalidLanguagePredictorError) Error() string {
	return fmt.Sprintf("predictor for language: %s is not valid", e.Language)
}

// IsInvalidLanguagePredictor reports whether err wraps an InvalidLanguagePredictorError.
func IsInvalidLanguagePredictor(err error) (*InvalidLanguagePredictorError, bool) {
	var target *InvalidLanguagePredictorError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
