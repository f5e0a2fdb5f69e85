package p2pnet

import (
	"testing"
	"time"
)

func TestRefreshStaysBelowTTL(t *testing.T) {
	// The refresh period must leave substantial margin below the
	// registration TTL, or registrations lapse between ticks.
	if RefreshInterval*4 > RegistrationTTL {
		t.Fatalf("refresh %v too close to ttl %v", RefreshInterval, RegistrationTTL)
	}
}

func TestRendezvousTickerPostsAndStops(t *testing.T) {
	n := newTestController(t, Config{})
	rdv := newTestHost(t).ID()

	done := make(chan struct{})
	go func() {
		n.runRendezvousTicker(rdv)
		close(done)
	}()

	// First tick arrives immediately.
	select {
	case cmd := <-n.mailbox:
		talk, ok := cmd.(TalkToRendezvous)
		if !ok {
			t.Errorf("unexpected command %T", cmd)
		} else if talk.Peer != rdv {
			t.Errorf("ticker targeted %s, want %s", talk.Peer, rdv)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ticker posted nothing")
	}

	// Controller shutdown terminates the ticker.
	n.cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ticker survived controller shutdown")
	}
}

func TestTalkToRendezvousIssuesOneRegisterPerNamespace(t *testing.T) {
	n := newTestController(t, Config{})
	rdv := newTestHost(t)
	connectHosts(t, n.host, rdv)
	n.handleEvent(evtDialResult{dialID: 1, kind: dialRendezvous, peer: rdv.ID()})

	// Drain the ticker's first command so the mailbox stays quiet.
	select {
	case <-n.mailbox:
	case <-time.After(5 * time.Second):
		t.Fatal("no ticker command")
	}

	n.talkToRendezvous(rdv.ID())

	// A plain node registers once under "preers" and discovers under
	// both namespaces: three outcomes, one register.
	registers := 0
	discovers := map[string]int{}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-n.events:
			switch e := ev.(type) {
			case evtRegistered:
				registers++
				if e.ns != NamespacePreers {
					t.Errorf("registered under %q", e.ns)
				}
			case evtDiscovered:
				discovers[e.ns]++
			default:
				t.Errorf("unexpected event %T", ev)
			}
		case <-time.After(30 * time.Second):
			t.Fatal("missing rendezvous outcome")
		}
	}
	if registers != 1 {
		t.Errorf("registers = %d, want 1", registers)
	}
	if discovers[NamespacePreers] != 1 || discovers[NamespaceRelay] != 1 {
		t.Errorf("discovers = %v", discovers)
	}
}
