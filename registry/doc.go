// Package registry speaks the Docker Registry HTTP API v2 / OCI distribution
// protocol to move images between registries and local disk.
//
// A Client pulls from one upstream: it exchanges anonymous bearer tokens,
// resolves multi-platform indexes to a single platform manifest and streams
// blobs to disk with digest verification. A Pusher publishes a loadable
// archive to a target registry using the chunked upload protocol, skipping
// blobs the target already has.
//
// Every HTTP call goes through a retrying transport; only connection
// resets, timeouts and HTTP 429/5xx responses are retried.
package registry
