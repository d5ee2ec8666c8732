// Package integration runs the ingestion pipeline against a real Postgres
// started with testcontainers. Run with: go test -tags integration ./internal/integration/...
package integration
