// Package client wraps the admin server's HTTP surface for CLI usage.
//
// The CLI cannot read the pool database directly while a serve process
// owns it (bbolt takes an exclusive file lock), so pool and deployment
// inspection go through the running server instead. Response types are
// shared with pkg/api; this package only adds transport.
package client
