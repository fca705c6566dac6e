// Package storage defines interfaces for persisting OAuth clients,
// authorization flow state, device authorizations, and issued tokens.
// It supports various backend implementations including in-memory and
// databases; see the memory subpackage for the reference implementation.
package storage
