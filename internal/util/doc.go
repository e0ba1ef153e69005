// Package util holds small helpers shared by multiple packages: log-safe
// string truncation and URL normalization for audience comparison.
package util
