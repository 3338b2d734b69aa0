package telemetry

import (
	"testing"

	"go.uber.org/goleak"
)

// The collector runs a consumer, a rotator and an output goroutine; every
// test must shut all three down through Close.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
