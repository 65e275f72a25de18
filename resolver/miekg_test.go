package resolver

import "testing"

func TestMiekgResolverDefaultsServer(t *testing.T) {
	r := MiekgResolver{}
	if r.server() != DefaultServer {
		t.Fatalf("expected default server %q, got %q", DefaultServer, r.server())
	}

	r = MiekgResolver{Server: "9.9.9.9:53"}
	if r.server() != "9.9.9.9:53" {
		t.Fatalf("expected overridden server, got %q", r.server())
	}
}

func TestJoinTXTConcatenatesSegments(t *testing.T) {
	got := joinTXT([]string{"v=spf1 ", "include:example.com ", "~all"})
	want := "v=spf1 include:example.com ~all"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
