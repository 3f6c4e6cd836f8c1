package llm

import (
	"strings"
	"unicode/utf8"

	"chat-relay/pkg/models"
)

// ImageTokenSurcharge is the flat token estimate charged per attached image.
const ImageTokenSurcharge = 85

// EstimateText approximates the token count of s by averaging a character
// based estimate (runes/4) and a word based estimate (words*1.3), rounded up.
// Blank text yields 0.
func EstimateText(s string) int {
	words := len(strings.Fields(s))
	if words == 0 {
		return 0
	}
	byChars := ceilDiv(utf8.RuneCountInString(s), 4)
	// words*1.3 rounded up, kept in integers.
	byWords := ceilDiv(words*13, 10)
	return ceilDiv(byChars+byWords, 2)
}

// EstimateContent estimates a message body. Each image adds
// ImageTokenSurcharge.
func EstimateContent(c models.Content) int {
	switch v := c.(type) {
	case models.TextContent:
		return EstimateText(v.Text)
	case models.MultipartContent:
		total := 0
		for _, p := range v.Parts {
			switch pv := p.(type) {
			case models.TextPart:
				total += EstimateText(pv.Text)
			case models.ImagePart:
				total += ImageTokenSurcharge
			}
		}
		return total
	default:
		return 0
	}
}

// EstimateMessages sums the estimates of every message.
func EstimateMessages(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateContent(m.Content)
	}
	return total
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
