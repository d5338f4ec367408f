/*
Package log provides structured logging for Packrat using zerolog.

A single global logger is initialized once at startup via Init and
consumed through child loggers that attach stable fields:

	logger := log.WithComponent("metadata")
	logger.Info().Str("package", name).Msg("cache miss")

Request handlers use WithRequestID so every line emitted while serving a
request carries the request_id echoed in the X-Request-ID header.

Output is JSON in production and human-readable console format in
development, selected through Config.JSONOutput.
*/
package log
