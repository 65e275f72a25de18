package spf

import (
	"context"
	"fmt"
	"net"
	"testing"
)

type fakeResolver struct {
	txt map[string][]string
	txtErr map[string]error
	mx  map[string][]*net.MX
	ip  map[string][]net.IP
}

func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if err, ok := f.txtErr[name]; ok {
		return nil, err
	}
	return f.txt[name], nil
}

func (f *fakeResolver) LookupHost(ctx context.Context, name string) ([]net.IP, error) {
	ips, ok := f.ip[name]
	if !ok {
		return nil, fmt.Errorf("no such host %s", name)
	}
	return ips, nil
}

func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	mxs, ok := f.mx[name]
	if !ok {
		return nil, fmt.Errorf("no such domain %s", name)
	}
	return mxs, nil
}

var ip1110 = net.ParseIP("1.1.1.0")
var ip1111 = net.ParseIP("1.1.1.1")

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		txt:    map[string][]string{},
		txtErr: map[string]error{},
		mx:     map[string][]*net.MX{},
		ip:     map[string][]net.IP{},
	}
}

func TestCheckHostBasic(t *testing.T) {
	cases := []struct {
		txt  string
		code Code
	}{
		{"", None},
		{"blah", None},
		{"v=spf1", Neutral},
		{"v=spf1 ", Neutral},
		{"v=spf1 -", PermError},
		{"v=spf1 all", Pass},
		{"v=spf1  +all", Pass},
		{"v=spf1 -all ", Fail},
		{"v=spf1 ~all", SoftFail},
		{"v=spf1 ?all", Neutral},
		{"v=spf1 a ~all", SoftFail},
		{"v=spf1 a/24", Neutral},
		{"v=spf1 a:d1110/24", Pass},
		{"v=spf1 a:d1110", Neutral},
		{"v=spf1 a:d1111", Pass},
		{"v=spf1 a:nothing/24", Neutral},
		{"v=spf1 mx", Neutral},
		{"v=spf1 mx:a/montoto ~all", PermError},
		{"v=spf1 mx:d1110/24 ~all", Pass},
		{"v=spf1 ip4:1.2.3.4 ~all", SoftFail},
		{"v=spf1 ip6:12 ~all", PermError},
		{"v=spf1 ip4:1.1.1.1 -all", Pass},
		{"v=spf1 blah", PermError},
	}

	res := newFakeResolver()
	res.ip["d1111"] = []net.IP{ip1111}
	res.ip["d1110"] = []net.IP{ip1110}
	res.mx["d1110"] = []*net.MX{{Host: "d1110", Pref: 5}, {Host: "nothing", Pref: 10}}

	for _, c := range cases {
		res.txt["domain"] = []string{c.txt}
		result, err := CheckHost(context.Background(), Config{Resolver: res}, ip1111, "domain")
		if (result.Code == TempError || result.Code == PermError) && err == nil {
			t.Errorf("%q: expected error, got nil", c.txt)
		}
		if result.Code != c.code {
			t.Errorf("%q: expected %v, got %v (err=%v)", c.txt, c.code, result.Code, err)
		}
	}
}

func TestCheckHostNotSupported(t *testing.T) {
	cases := []string{
		"v=spf1 exists:blah -all",
		"v=spf1 ptr -all",
		"v=spf1 exp=blah -all",
	}
	res := newFakeResolver()
	for _, txt := range cases {
		res.txt["domain"] = []string{txt}
		result, err := CheckHost(context.Background(), Config{Resolver: res}, ip1111, "domain")
		if result.Code != Neutral {
			t.Errorf("%q: expected neutral, got %v (err=%v)", txt, result.Code, err)
		}
	}
}

func TestCheckHostIncludeRecursionLimit(t *testing.T) {
	res := newFakeResolver()
	res.txt["domain"] = []string{"v=spf1 include:domain ~all"}

	result, err := CheckHost(context.Background(), Config{Resolver: res}, ip1111, "domain")
	if result.Code != PermError {
		t.Errorf("expected permerror, got %v (err=%v)", result.Code, err)
	}
}

func TestCheckHostNoRecord(t *testing.T) {
	res := newFakeResolver()
	res.txt["d1"] = []string{""}
	res.txt["d2"] = []string{"loco", "v=spf2"}
	res.txtErr["nospf"] = fmt.Errorf("no such domain")

	for _, domain := range []string{"d1", "d2", "d3", "nospf"} {
		result, err := CheckHost(context.Background(), Config{Resolver: res}, ip1111, domain)
		if domain == "nospf" {
			if result.Code != TempError {
				t.Errorf("%s: expected temperror, got %v (err=%v)", domain, result.Code, err)
			}
			continue
		}
		if result.Code != None {
			t.Errorf("%s: expected none, got %v (err=%v)", domain, result.Code, err)
		}
	}
}

func TestPassivePolicySoftensUnmatchedAll(t *testing.T) {
	res := newFakeResolver()
	res.txt["domain"] = []string{"v=spf1 ~all"}

	strict, _ := CheckHost(context.Background(), Config{Resolver: res, Policy: Strict}, ip1111, "domain")
	if strict.Code != SoftFail {
		t.Errorf("strict: expected softfail, got %v", strict.Code)
	}

	passive, _ := CheckHost(context.Background(), Config{Resolver: res, Policy: Passive}, ip1111, "domain")
	if passive.Code != Pass || !passive.Pass {
		t.Errorf("passive: expected pass, got %v", passive.Code)
	}
}

func TestMaxIncludesExceeded(t *testing.T) {
	res := newFakeResolver()
	res.txt["a"] = []string{"v=spf1 include:b -all"}
	res.txt["b"] = []string{"v=spf1 include:a -all"}

	result, err := CheckHost(context.Background(), Config{Resolver: res, MaxIncludes: 2}, ip1111, "a")
	if result.Code != PermError {
		t.Errorf("expected permerror, got %v (err=%v)", result.Code, err)
	}
}
