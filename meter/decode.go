package meter

import "fmt"

// Decode converts raw register words into a physical value.
//
// A single word is an unsigned 16-bit value. Two words form a signed 32-bit
// value, low word first. The result is divided by scale.
func Decode(words []uint16, scale float64) (float64, error) {
	if !(scale > 0) {
		return 0, fmt.Errorf("meter: %w, got %v", ErrInvalidScale, scale)
	}

	switch len(words) {
	case 1:
		return float64(words[0]) / scale, nil
	case 2:
		raw := int32(uint32(words[0]) | uint32(words[1])<<16)
		return float64(raw) / scale, nil
	default:
		return 0, fmt.Errorf("meter: %w, got %d", ErrInvalidWordCount, len(words))
	}
}
