// Package upstream holds the shared HTTP plumbing for talking to
// upstream package sources: the 25-second client, credential headers,
// and status error translation.
package upstream
