package p2pnet

import "testing"

func TestIdentityRoundTrip(t *testing.T) {
	priv, raw, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("empty marshalled key")
	}

	restored, err := UnmarshalIdentity(raw)
	if err != nil {
		t.Fatalf("UnmarshalIdentity: %v", err)
	}

	// The derived peer id is the stable name of the node; both copies
	// of the key must agree on it.
	id1, err := PeerIDFromIdentity(priv)
	if err != nil {
		t.Fatalf("PeerIDFromIdentity: %v", err)
	}
	id2, err := PeerIDFromIdentity(restored)
	if err != nil {
		t.Fatalf("PeerIDFromIdentity restored: %v", err)
	}
	if id1 != id2 {
		t.Errorf("peer id changed across marshal: %s vs %s", id1, id2)
	}
}

func TestUnmarshalIdentityRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalIdentity([]byte("not a key")); err == nil {
		t.Error("expected error for garbage key bytes")
	}
}
