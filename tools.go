//go:build tools

// Package chat_sync pins the code generators run by go generate, so mockgen
// resolves from go.mod on a fresh checkout.
package chat_sync

import (
	_ "go.uber.org/mock/mockgen"
)
