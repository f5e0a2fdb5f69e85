package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/preers/preers/internal/data"
	"github.com/preers/preers/internal/db"
	"github.com/preers/preers/pkg/p2pnet"
)

// fakeController records posted commands and answers info queries.
type fakeController struct {
	mu   sync.Mutex
	cmds []p2pnet.Command
	info data.NetworkInfo
}

func (f *fakeController) Post(ctx context.Context, cmd p2pnet.Command) error {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	if gi, ok := cmd.(p2pnet.GetNetworkInfo); ok {
		gi.Reply <- f.info
	}
	return nil
}

func (f *fakeController) commands() []p2pnet.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]p2pnet.Command(nil), f.cmds...)
}

func newTestAPI(t *testing.T) (*httptest.Server, *fakeController) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "preers.db"))
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctl := &fakeController{info: data.NetworkInfo{PeerID: "12D3KooWLocal"}}
	s := NewServer(store, ctl, nil)

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, ctl
}

func doJSON(t *testing.T, method, url string, in, out any) *http.Response {
	t.Helper()
	body, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestRendezvousRoundTrip(t *testing.T) {
	srv, ctl := newTestAPI(t)
	url := srv.URL + "/rendezvous"
	multiaddr := "/ip4/1.2.3.4/tcp/9000/p2p/QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"

	var added data.Rendezvous
	resp := doJSON(t, http.MethodPost, url, data.Rendezvous{Multiaddr: multiaddr}, &added)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}
	if added.ID == 0 {
		t.Error("expected a fresh non-zero id")
	}
	if added.Multiaddr != multiaddr {
		t.Errorf("multiaddr = %q", added.Multiaddr)
	}

	var list []data.Rendezvous
	doJSON(t, http.MethodGet, url, nil, &list)
	if len(list) != 1 || list[0].ID != added.ID {
		t.Fatalf("GET after POST = %+v", list)
	}

	resp = doJSON(t, http.MethodDelete, url, data.Rendezvous{ID: added.ID}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}
	list = nil
	doJSON(t, http.MethodGet, url, nil, &list)
	if len(list) != 0 {
		t.Errorf("record survived DELETE: %+v", list)
	}

	// The controller saw the add.
	cmds := ctl.commands()
	if len(cmds) != 1 {
		t.Fatalf("controller commands = %d, want 1", len(cmds))
	}
	if _, ok := cmds[0].(p2pnet.AddRendezvous); !ok {
		t.Errorf("unexpected command %T", cmds[0])
	}
}

func TestRendezvousRejectsBadMultiaddr(t *testing.T) {
	srv, ctl := newTestAPI(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/rendezvous",
		data.Rendezvous{Multiaddr: "not-a-multiaddr"}, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if len(ctl.commands()) != 0 {
		t.Error("bad multiaddr reached the controller")
	}
}

func TestProvideServiceRoundTrip(t *testing.T) {
	srv, ctl := newTestAPI(t)
	url := srv.URL + "/provide_service"

	var added data.ProvideService
	doJSON(t, http.MethodPost, url, data.ProvideService{Host: "127.0.0.1", Port: 7000}, &added)
	if added.ID == 0 {
		t.Error("expected a fresh non-zero id")
	}

	var list []data.ProvideService
	doJSON(t, http.MethodGet, url, nil, &list)
	if len(list) != 1 || list[0].Port != 7000 {
		t.Fatalf("GET = %+v", list)
	}

	cmds := ctl.commands()
	if len(cmds) != 1 {
		t.Fatalf("controller commands = %d, want 1", len(cmds))
	}
	ps, ok := cmds[0].(p2pnet.ProvideService)
	if !ok {
		t.Fatalf("unexpected command %T", cmds[0])
	}
	if ps.Service.Host != "127.0.0.1" || ps.Service.Port != 7000 {
		t.Errorf("command carried %+v", ps.Service)
	}

	doJSON(t, http.MethodDelete, url, data.ProvideService{ID: added.ID}, nil)
	list = nil
	doJSON(t, http.MethodGet, url, nil, &list)
	if len(list) != 0 {
		t.Errorf("record survived DELETE: %+v", list)
	}
}

func TestUseServiceRoundTrip(t *testing.T) {
	srv, ctl := newTestAPI(t)
	url := srv.URL + "/use_service"

	in := data.UseService{
		PeerID:        "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N",
		Host:          "127.0.0.1",
		Port:          7000,
		ForwarderPort: 17000,
	}
	var added data.UseService
	doJSON(t, http.MethodPost, url, in, &added)
	if added.ID == 0 {
		t.Error("expected a fresh non-zero id")
	}
	in.ID = added.ID
	if added != in {
		t.Errorf("round trip mismatch: got %+v, want %+v", added, in)
	}

	cmds := ctl.commands()
	if len(cmds) != 1 {
		t.Fatalf("controller commands = %d, want 1", len(cmds))
	}
	if _, ok := cmds[0].(p2pnet.UseService); !ok {
		t.Errorf("unexpected command %T", cmds[0])
	}
}

func TestNetworkInfo(t *testing.T) {
	srv, ctl := newTestAPI(t)
	ctl.info = data.NetworkInfo{
		PeerID: "12D3KooWLocal",
		Peers:  []data.PeerInfo{{PeerID: "12D3KooWOther", Connected: true}},
	}

	var info data.NetworkInfo
	resp := doJSON(t, http.MethodGet, srv.URL+"/network_info", nil, &info)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if info.PeerID != "12D3KooWLocal" || len(info.Peers) != 1 {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestEmptyListsAreArrays(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/use_service")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if got := bytes.TrimSpace(buf.Bytes()); string(got) != "[]" {
		t.Errorf("empty list encoded as %q, want []", got)
	}
}
