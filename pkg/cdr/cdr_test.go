package cdr

import (
	"testing"
	"time"

	"github.com/telecorr/engine/pkg/volte"
)

func TestDisabledWriterIsNoOp(t *testing.T) {
	w := NewDisabled()
	var failed bool
	w.OnFailure(func(callID string, err error) { failed = true })

	call := &volte.Call{CallID: "abc", State: volte.State("COMPLETED"), LastUpdated: time.Now()}
	w.WriteCompleted(call) // must not panic, must not report failure

	if failed {
		t.Fatalf("disabled writer must not report a failure callback")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close on disabled writer: %v", err)
	}
}

func TestWriteCompletedNilCallIsNoOp(t *testing.T) {
	w := NewDisabled()
	w.WriteCompleted(nil) // must not panic
}
