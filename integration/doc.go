//go:build integration

// Package integration runs push and pull jobs against a real registry.
//
// These tests require Docker and start registry:2 with testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
