// Package resolver derives a replay download URL from a coordinator match
// payload whose shape is undocumented and has changed over time.
package resolver

import (
	"fmt"
	"strings"

	"github.com/joseph-ayodele/replay-fetcher/constants"
	"github.com/joseph-ayodele/replay-fetcher/internal/matchinfo"
)

// Strategy names which extraction produced a URL.
type Strategy string

const (
	StrategyDirect  Strategy = "direct"
	StrategyDerived Strategy = "derived"
	StrategySearch  Strategy = "search"
)

// MaxSearchDepth bounds the breadth-first search below the root.
const MaxSearchDepth = 6

// ReservationIDWidth is the zero-padded width of the reservation id in replay file names.
const ReservationIDWidth = 21

// directPaths are the historical places the coordinator put the link, most recent first.
var directPaths = []matchinfo.Path{
	matchinfo.MustParsePath("matches[0].roundstatsall[last].map"),
	matchinfo.MustParsePath("matches[0].roundstats_legacy.map"),
	matchinfo.MustParsePath("roundstatsall[last].map"),
	matchinfo.MustParsePath("roundstats_legacy.map"),
	matchinfo.MustParsePath("map"),
	matchinfo.MustParsePath("demo_url"),
	matchinfo.MustParsePath("url"),
}

var (
	watchablePaths = []matchinfo.Path{
		matchinfo.MustParsePath("matches[0].watchablematchinfo"),
		matchinfo.MustParsePath("watchablematchinfo"),
	}
	lastRoundPaths = []matchinfo.Path{
		matchinfo.MustParsePath("matches[0].roundstatsall[last]"),
		matchinfo.MustParsePath("roundstatsall[last]"),
	}
)

// Result is a resolved URL and the strategy that found it.
type Result struct {
	URL      string
	Strategy Strategy
}

// Resolve returns the replay URL carried by a match payload, if any.
func Resolve(v matchinfo.Value) (string, bool) {
	res, ok := Lookup(v)
	return res.URL, ok
}

// Lookup tries the direct paths, then the derived replay host URL, then a
// bounded search for any string carrying a demo archive extension.
func Lookup(v matchinfo.Value) (Result, bool) {
	if u, ok := Direct(v); ok {
		return Result{URL: u, Strategy: StrategyDirect}, true
	}
	if u, ok := Derive(v); ok {
		return Result{URL: u, Strategy: StrategyDerived}, true
	}
	if u, ok := Search(v, MaxSearchDepth); ok {
		return Result{URL: u, Strategy: StrategySearch}, true
	}
	return Result{}, false
}

// Direct returns the first non-empty string found at a well-known path.
func Direct(v matchinfo.Value) (string, bool) {
	for _, p := range directPaths {
		leaf, ok := v.Lookup(p)
		if !ok {
			continue
		}
		if s, ok := leaf.Str(); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), true
		}
	}
	return "", false
}

// Derive builds the replay host URL from server_ip, tv_port and the last
// round's reservationid. All three must be present and non-zero.
func Derive(v matchinfo.Value) (string, bool) {
	var ip, port string
	for _, p := range watchablePaths {
		info, ok := v.Lookup(p)
		if !ok {
			continue
		}
		ip = scalarText(info, "server_ip")
		port = scalarText(info, "tv_port")
		if ip != "" && port != "" {
			break
		}
	}
	var reservation string
	for _, p := range lastRoundPaths {
		round, ok := v.Lookup(p)
		if !ok {
			continue
		}
		if reservation = scalarText(round, "reservationid"); reservation != "" {
			break
		}
	}
	if ip == "" || port == "" || reservation == "" {
		return "", false
	}
	return fmt.Sprintf("http://replay%s.valve.net/730/%s_%s.dem.bz2", ip, PadReservationID(reservation), port), true
}

// PadReservationID left-pads a decimal reservation id with zeros to 21 digits.
// Longer or non-numeric input is returned unchanged.
func PadReservationID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) >= ReservationIDWidth {
		return id
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return id
		}
	}
	return strings.Repeat("0", ReservationIDWidth-len(id)) + id
}

func scalarText(obj matchinfo.Value, key string) string {
	leaf, ok := obj.Get(key)
	if !ok {
		return ""
	}
	text, ok := leaf.Text()
	text = strings.TrimSpace(text)
	if !ok || text == "" || text == "0" {
		return ""
	}
	return text
}

type queued struct {
	value matchinfo.Value
	depth int
}

// Search walks v breadth-first, visiting nodes at most maxDepth levels below
// the root, and returns the first string leaf naming a demo archive.
func Search(v matchinfo.Value, maxDepth int) (string, bool) {
	queue := []queued{{value: v}}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		switch next.value.Kind() {
		case matchinfo.KindString:
			s, _ := next.value.Str()
			if constants.HasDemoExtension(s) {
				return strings.TrimSpace(s), true
			}
		case matchinfo.KindObject:
			if next.depth >= maxDepth {
				continue
			}
			for _, f := range next.value.Fields() {
				queue = append(queue, queued{value: f.Value, depth: next.depth + 1})
			}
		case matchinfo.KindArray:
			if next.depth >= maxDepth {
				continue
			}
			for _, item := range next.value.Items() {
				queue = append(queue, queued{value: item, depth: next.depth + 1})
			}
		}
	}
	return "", false
}
