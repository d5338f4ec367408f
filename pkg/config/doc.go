// Package config loads the environment-driven configuration surface and
// the optional yaml repository seed file.
package config
