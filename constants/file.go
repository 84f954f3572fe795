package constants

import "strings"

// DemoExtensions are the archive markers a replay link ends with, most specific first.
var DemoExtensions = []string{".dem.bz2", ".dem.gz", ".dem.zst", ".dem"}

// DemoFileExt is the extension of a stored, decompressed replay.
const DemoFileExt = ".dem"

// HasDemoExtension reports whether s contains one of the known demo markers.
func HasDemoExtension(s string) bool {
	lower := strings.ToLower(s)
	for _, ext := range DemoExtensions {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return false
}
