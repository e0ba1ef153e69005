// Package storage defines interfaces for persisting OAuth client registrations
// and authorization grants. The in-memory store in storage/memory serves
// tests and single-instance deployments; networked backends implement the
// same interfaces.
//
// Access tokens are stateless signed assertions and are never stored: their
// lifecycle is fully determined by the signature and the exp claim.
package storage
