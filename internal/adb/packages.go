package adb

import (
	"sort"
	"strings"
)

// parsePackageList turns the text output of "pm list packages" (lines of
// the form "package:com.example.app") into a sorted list of package ids.
func parsePackageList(output string) []string {
	var pkgs []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		_, name, found := strings.Cut(line, "package:")
		if !found {
			continue
		}
		pkgs = append(pkgs, name)
	}
	sort.Strings(pkgs)
	return pkgs
}
