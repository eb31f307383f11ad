package utils

// TruncateID shortens an external identifier for log output so complete
// provider IDs never land in logs. Short values pass through unchanged.
func TruncateID(id string) string {
	const keep = 12
	if len(id) <= keep {
		return id
	}
	return id[:keep] + "..."
}
