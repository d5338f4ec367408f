// Package analytics defines the optional, non-blocking event sink port.
package analytics
