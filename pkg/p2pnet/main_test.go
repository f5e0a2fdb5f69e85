package p2pnet

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain fails the package if hosts, controllers, tickers, dial
// tasks, or splice goroutines spawned during the tests are still
// running afterwards. Workers that libp2p keeps per process rather
// than per host are exempted.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/ipfs/go-log/v2/writer.(*MirrorWriter).logRoutine"),
		goleak.IgnoreTopFunction("github.com/libp2p/go-libp2p/p2p/transport/quicreuse.(*reuse).gc"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}
