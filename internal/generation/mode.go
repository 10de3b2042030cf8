// Package generation turns a question and its retrieved excerpts into an
// answer, asking the language model for a structured reply that names the
// excerpts it used and degrading to plain text when that fails.
package generation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/citeline/internal/models"
)

// ErrInvalidMode is returned for a response mode outside strict, balanced
// and creative.
var ErrInvalidMode = errors.New("generation: invalid response mode")

// InsufficientInformation is the strict-mode answer when nothing relevant
// was retrieved.
const InsufficientInformation = "I don't have enough information in the provided documents to answer that question."

var temperatures = map[string]float64{
	models.ModeStrict:   0.1,
	models.ModeBalanced: 0.5,
	models.ModeCreative: 0.9,
}

var instructions = map[string]string{
	models.ModeStrict: "Answer only from the document excerpts provided. " +
		"Do not infer beyond them and do not use outside knowledge. " +
		"If the excerpts do not contain the answer, say plainly that there is not enough information in the provided documents.",
	models.ModeBalanced: "Answer primarily from the document excerpts provided. " +
		"You may make reasonable inferences from them, but say clearly when a statement is an inference rather than something the excerpts state.",
	models.ModeCreative: "Use the document excerpts provided as your main reference. " +
		"You may add general knowledge to give a fuller answer, but flag every part that does not come from the excerpts.",
}

// ParseMode validates a response mode. An empty mode means balanced.
func ParseMode(mode string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(mode))
	if m == "" {
		return models.ModeBalanced, nil
	}
	if _, ok := temperatures[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return m, nil
}

// Temperature returns the sampling temperature for a valid mode.
func Temperature(mode string) float64 {
	return temperatures[mode]
}

// Instruction returns the system instruction for a valid mode.
func Instruction(mode string) string {
	return instructions[mode]
}
