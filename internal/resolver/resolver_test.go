package resolver

import (
	"testing"

	"github.com/joseph-ayodele/replay-fetcher/internal/matchinfo"
)

func mustDecode(t *testing.T, raw string) matchinfo.Value {
	t.Helper()
	v, err := matchinfo.DecodeJSON([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	return v
}

func TestResolveDirectFieldWinsOverDerived(t *testing.T) {
	v := mustDecode(t, `{
		"matches": [{
			"watchablematchinfo": {"server_ip": 1234, "tv_port": 27015},
			"roundstatsall": [
				{"reservationid": 1},
				{"reservationid": 42, "map": "http://replay191.valve.net/730/003_1.dem.bz2"}
			]
		}]
	}`)
	res, ok := Lookup(v)
	if !ok {
		t.Fatalf("Lookup found nothing")
	}
	if res.Strategy != StrategyDirect || res.URL != "http://replay191.valve.net/730/003_1.dem.bz2" {
		t.Fatalf("Lookup = %+v", res)
	}
}

func TestResolveDirectPathOrder(t *testing.T) {
	v := mustDecode(t, `{"url": "http://b/2.dem.bz2", "demo_url": "http://a/1.dem.bz2", "map": "  "}`)
	res, ok := Lookup(v)
	if !ok || res.URL != "http://a/1.dem.bz2" {
		t.Fatalf("Lookup = %+v, %v; want demo_url before url and blank map skipped", res, ok)
	}
}

func TestResolveDerivesReplayURL(t *testing.T) {
	v := mustDecode(t, `{
		"matches": [{
			"watchablematchinfo": {"server_ip": 3125406, "tv_port": 128},
			"roundstatsall": [{"reservationid": 7}, {"reservationid": 3546215765372223642}]
		}]
	}`)
	res, ok := Lookup(v)
	if !ok {
		t.Fatalf("Lookup found nothing")
	}
	want := "http://replay3125406.valve.net/730/003546215765372223642_128.dem.bz2"
	if res.Strategy != StrategyDerived || res.URL != want {
		t.Fatalf("Lookup = %+v, want %s", res, want)
	}
}

func TestDeriveFallsBackToRootFields(t *testing.T) {
	v := mustDecode(t, `{
		"watchablematchinfo": {"server_ip": "55", "tv_port": "9"},
		"roundstatsall": [{"reservationid": 42}]
	}`)
	got, ok := Derive(v)
	if !ok || got != "http://replay55.valve.net/730/000000000000000000042_9.dem.bz2" {
		t.Fatalf("Derive = %q, %v", got, ok)
	}
}

func TestDeriveRequiresAllParts(t *testing.T) {
	v := mustDecode(t, `{"matches":[{"watchablematchinfo":{"server_ip":1,"tv_port":0},"roundstatsall":[{"reservationid":4}]}]}`)
	if got, ok := Derive(v); ok {
		t.Fatalf("Derive = %q with zero tv_port", got)
	}
}

func TestResolveSearchFindsNestedDemo(t *testing.T) {
	v := mustDecode(t, `{"a":{"b":[{"c":"nothing here"},{"d":{"e":"https://cdn.example/x.dem.gz"}}]}}`)
	res, ok := Lookup(v)
	if !ok || res.Strategy != StrategySearch || res.URL != "https://cdn.example/x.dem.gz" {
		t.Fatalf("Lookup = %+v, %v", res, ok)
	}
}

func TestSearchRespectsDepthLimit(t *testing.T) {
	deep := matchinfo.String("http://x/deep.dem.bz2")
	for i := 0; i < MaxSearchDepth+1; i++ {
		deep = matchinfo.Object(matchinfo.F("n", deep))
	}
	if got, ok := Search(deep, MaxSearchDepth); ok {
		t.Fatalf("Search found %q beyond depth %d", got, MaxSearchDepth)
	}
	if _, ok := Search(deep, MaxSearchDepth+1); !ok {
		t.Fatalf("Search missed leaf within depth %d", MaxSearchDepth+1)
	}
}

func TestSearchPrefersShallowest(t *testing.T) {
	v := matchinfo.Object(
		matchinfo.F("deep", matchinfo.Object(matchinfo.F("x", matchinfo.String("http://deep/a.dem.bz2")))),
		matchinfo.F("shallow", matchinfo.String("http://shallow/b.dem")),
	)
	if got, _ := Search(v, MaxSearchDepth); got != "http://shallow/b.dem" {
		t.Fatalf("Search = %q, want shallow match", got)
	}
}

func TestResolveNoURL(t *testing.T) {
	v := mustDecode(t, `{"matches":[{"roundstatsall":[{"reservationid":1}]}],"note":"file.txt"}`)
	if res, ok := Lookup(v); ok {
		t.Fatalf("Lookup = %+v, want miss", res)
	}
}

func TestPadReservationID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"42", "000000000000000000042"},
		{"3546215765372223642", "003546215765372223642"},
		{"123456789012345678901", "123456789012345678901"},
		{"abc", "abc"},
	}
	for _, tc := range cases {
		if got := PadReservationID(tc.in); got != tc.want {
			t.Errorf("PadReservationID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
