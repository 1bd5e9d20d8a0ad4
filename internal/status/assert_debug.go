//go:build crucibledebug

package status

// Built with -tags crucibledebug, invariant violations panic instead of
// only being logged.
const debugAssertions = true
