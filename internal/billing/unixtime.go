package billing

// The payment provider speaks unix seconds; the app stores unix
// milliseconds. Every boundary crossing goes through this pair so the
// factor-1000 conversion lives in exactly one place. Zero stays zero,
// which keeps absent timestamps absent.

func SecondsToMillis(sec int64) int64 {
	return sec * 1000
}

func MillisToSeconds(ms int64) int64 {
	return ms / 1000
}
