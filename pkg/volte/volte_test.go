package volte

import (
	"testing"
	"time"
)

func TestVoiceCallCompletesAndComputesMetrics(t *testing.T) {
	c := New()
	base := time.Now()

	c.UpdateSIP("call1", "icid1", "imsi1", "INVITE", 0, base, "", "", "")
	c.UpdateSIP("call1", "", "", "", 100, base.Add(10*time.Millisecond), "", "", "")
	c.UpdateSIP("call1", "", "", "", 180, base.Add(1*time.Second), "", "", "")
	c.UpdateSIP("call1", "", "", "INVITE", 200, base.Add(3*time.Second), "PCMU", "10.0.0.1:4000", "10.0.0.2:5000")
	c.UpdateSIP("call1", "", "", "ACK", 0, base.Add(3100*time.Millisecond), "", "", "")
	c.UpdateSIP("call1", "", "", "BYE", 0, base.Add(30*time.Second), "", "", "")

	call, ok := c.Get("call1")
	if !ok {
		t.Fatal("expected call")
	}
	if call.State != StateCompleted {
		t.Fatalf("state = %v", call.State)
	}
	if call.Metrics.SetupTime != 3*time.Second {
		t.Fatalf("setup_time = %v", call.Metrics.SetupTime)
	}
	if call.Metrics.TotalCallDuration != 30*time.Second {
		t.Fatalf("total_call_duration = %v", call.Metrics.TotalCallDuration)
	}
}

func TestCallFailedSetsReason(t *testing.T) {
	c := New()
	base := time.Now()
	c.UpdateSIP("call2", "", "", "INVITE", 0, base, "", "", "")
	c.UpdateSIP("call2", "", "", "", 100, base, "", "", "")
	call := c.UpdateSIP("call2", "", "", "INVITE", 486, base, "", "", "")

	if call.State != StateFailed || call.StateReason != "486 Busy Here" {
		t.Fatalf("call = %+v", call)
	}
}

func TestCancelBeforeAnswer(t *testing.T) {
	c := New()
	base := time.Now()
	c.UpdateSIP("call3", "", "", "INVITE", 0, base, "", "", "")
	c.UpdateSIP("call3", "", "", "", 180, base, "", "", "")
	call := c.UpdateSIP("call3", "", "", "CANCEL", 0, base, "", "", "")

	if call.State != StateCancelled {
		t.Fatalf("state = %v", call.State)
	}
}

func TestFirstRTPTransitionsToMediaActive(t *testing.T) {
	c := New()
	base := time.Now()
	c.UpdateSIP("call4", "", "", "INVITE", 0, base, "", "", "")
	c.UpdateSIP("call4", "", "", "ACK", 0, base, "", "", "")
	call := c.UpdateRTP("call4", true, 0xaa, 1, 172, base, "10.0.0.1:4000", "10.0.0.2:5000")

	if call.State != StateMediaActive {
		t.Fatalf("state = %v", call.State)
	}
	if call.RTP.Uplink.Packets != 1 {
		t.Fatalf("uplink packets = %d", call.RTP.Uplink.Packets)
	}
}

func TestTerminalStateNeverLeaves(t *testing.T) {
	c := New()
	base := time.Now()
	c.UpdateSIP("call5", "", "", "INVITE", 0, base, "", "", "")
	call := c.UpdateSIP("call5", "", "", "INVITE", 486, base, "", "", "")
	if call.State != StateFailed {
		t.Fatalf("expected FAILED, got %v", call.State)
	}
	// A further SIP event must not move the call out of its terminal state.
	call = c.UpdateSIP("call5", "", "", "INVITE", 200, base, "", "", "")
	if call.State != StateFailed {
		t.Fatalf("terminal state leaked: %v", call.State)
	}
}
