package sysctl

import (
	"bufio"
	"os"
	"strings"
)

// resolvConfPath is overridable in tests.
var resolvConfPath = "/etc/resolv.conf"

// SearchDomain returns the first domain named by a "search" directive in
// /etc/resolv.conf, used by the RD engine to populate the DNS Search
// List option in synthesized Router Advertisements (spec.md §4.3 step 4:
// "the system resolver's first search domain"). ok is false if no
// search directive is present.
func SearchDomain() (domain string, ok bool) {
	f, err := os.Open(resolvConfPath)
	if err != nil {
		return "", false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "search" {
			return fields[1], true
		}
	}

	return "", false
}
