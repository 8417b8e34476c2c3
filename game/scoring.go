package game

// Score awards points for a prediction given the observed value. It depends
// only on the absolute difference, so it is symmetric in its arguments.
func Score(prediction, actual int64) int {
	d := difference(prediction, actual)
	switch {
	case d == 0:
		return 100
	case d <= 10:
		return 75
	case d <= 25:
		return 50
	case d <= 50:
		return 25
	case d <= 100:
		return 10
	default:
		return 0
	}
}

// IsCorrect reports whether a prediction counts towards accuracy.
func IsCorrect(prediction, actual int64) bool {
	return prediction == actual
}

// difference is |a-b| computed without overflow for the full int64 range.
func difference(a, b int64) uint64 {
	if a > b {
		return uint64(a) - uint64(b)
	}
	return uint64(b) - uint64(a)
}
