package common

import "os"

// MaskSecret masks credentials for safe logging. Strings longer than 8
// characters keep their first and last 4; shorter non-empty strings collapse
// to "***" so length leaks nothing.
//
// Example:
//
//	MaskSecret("") // "<not set>"
//	MaskSecret("short") // "***"
//	MaskSecret("amqp-password-123") // "amqp...-123"
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// GetEnv retrieves an environment variable with a fallback default. Used by
// integration tests to point at non-default broker and store endpoints.
func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Ptr returns a pointer to the given value. Useful for optional fields in
// driver option structs.
func Ptr[T any](v T) *T {
	return &v
}
