//go:build !crucibledebug

package status

const debugAssertions = false
