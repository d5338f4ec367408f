// Package clock provides a time source abstraction with a real
// implementation and a settable fake for tests.
package clock
