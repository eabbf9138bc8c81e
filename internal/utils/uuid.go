// Package utils provides small helpers shared across the renderer: identifier
// generation and host resource probing.
package utils

import (
	"github.com/google/uuid"
)

// GenerateUUID generates a new UUID v4 string.
func GenerateUUID() string {
	return uuid.New().String()
}

// GenerateShortUUID generates a shorter UUID (first 8 characters).
// Only for log correlation, never as a database key.
func GenerateShortUUID() string {
	return uuid.New().String()[:8]
}

// IsValidUUID checks if a string is a valid UUID.
func IsValidUUID(uuidStr string) bool {
	_, err := uuid.Parse(uuidStr)
	return err == nil
}
