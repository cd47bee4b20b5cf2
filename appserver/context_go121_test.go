package appserver

import (
	"context"
	"testing"
)

// testContext mirrors t.Context (Go 1.24+): a context canceled when the
// test's cleanups run.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
