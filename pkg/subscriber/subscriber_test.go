package subscriber

import "testing"

func TestMergeUnifiesIndices(t *testing.T) {
	s := New(0)
	a := s.GetOrCreate("001010123456789", "")
	s.UpdateIdentifier(a.ID, IdentifierUEIPv4, "10.0.0.1")

	b := s.CreateTemporary()
	s.UpdateIdentifier(b.ID, IdentifierMSISDN, "15551234567")
	s.UpdateIdentifier(b.ID, IdentifierUEIPv4, "10.0.0.2")

	if !s.Merge(a.ID, b.ID) {
		t.Fatal("merge failed")
	}

	if _, ok := s.FindByMSISDN("15551234567"); !ok {
		t.Fatal("expected merged msisdn to resolve to keep context")
	}
	if ctx, ok := s.FindByUEIP("10.0.0.2"); !ok || ctx.ID != a.ID {
		t.Fatal("expected merged ue-ip to resolve to keep context")
	}
	if ctx, ok := s.FindByUEIP("10.0.0.1"); !ok || ctx.ID != a.ID {
		t.Fatal("expected original ue-ip to still resolve to keep context")
	}
	if _, ok := s.contexts[b.ID]; ok {
		t.Fatal("expected drop context to be erased")
	}
}

func TestGUTIHistoryBounded(t *testing.T) {
	s := New(0)
	ctx := s.CreateTemporary()
	for i := 0; i < maxHistoryEntries+5; i++ {
		s.UpdateIdentifier(ctx.ID, IdentifierGUTI, string(rune('a'+i%26)))
	}
	if len(ctx.GUTIHistory) > maxHistoryEntries {
		t.Fatalf("history not bounded: %d entries", len(ctx.GUTIHistory))
	}
}

func TestCapacityEvictsLeastRecentlyUpdated(t *testing.T) {
	s := New(2)
	a := s.GetOrCreate("imsi-a", "")
	_ = s.GetOrCreate("imsi-b", "")
	s.UpdateIdentifier(a.ID, IdentifierMSISDN, "1") // bump a's last-updated
	_ = s.GetOrCreate("imsi-c", "")                 // triggers eviction

	if s.Size() > 2 {
		t.Fatalf("expected capacity bound enforced, size = %d", s.Size())
	}
}

func TestIndexConsistencyAfterMutation(t *testing.T) {
	s := New(0)
	ctx := s.GetOrCreate("imsi1", "")
	s.UpdateIdentifier(ctx.ID, IdentifierMSISDN, "111")
	s.UpdateIdentifier(ctx.ID, IdentifierMSISDN, "222")

	if _, ok := s.FindByMSISDN("111"); ok {
		t.Fatal("stale msisdn index entry should have been removed")
	}
	found, ok := s.FindByMSISDN("222")
	if !ok || found.ID != ctx.ID {
		t.Fatal("new msisdn index entry should resolve to the context")
	}
}
