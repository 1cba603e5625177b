package detector

import (
	"regexp"

	"anpr-toll-service/internal/utils"
)

// DefaultConfidenceThreshold must be strictly exceeded for a read to be accepted.
const DefaultConfidenceThreshold = 0.7

// Two letters, one or two digits, one to three letters, three or four digits.
var plateGrammar = regexp.MustCompile(`^[A-Z]{2}[0-9]{1,2}[A-Z]{1,3}[0-9]{3,4}$`)

// Accept normalizes text and reports whether it is a valid plate read with the
// default threshold.
func Accept(text string, confidence float64) (string, bool) {
	return AcceptAbove(text, confidence, DefaultConfidenceThreshold)
}

func AcceptAbove(text string, confidence, threshold float64) (string, bool) {
	if !(confidence > threshold) {
		return "", false
	}
	normalized := utils.NormalizePlate(text)
	if !ValidPlate(normalized) {
		return "", false
	}
	return normalized, true
}

// ValidPlate checks an already normalized plate against the grammar.
func ValidPlate(normalized string) bool {
	return plateGrammar.MatchString(normalized)
}
