// Package queue defines the optional job queue port and a channel-backed
// in-process adapter with an at-least-once consumer loop.
package queue
