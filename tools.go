//go:build tools
// +build tools

// Package tools declares tool dependencies for this module (mockgen invoked via go generate).
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
