package helpers

import (
	"net"

	"github.com/opd-ai/torscan/pkg/directory"
)

// LookupDestinations resolves host locally, once, and returns one
// Destination per IPv4 address it maps to. Tasks call this from their
// Destinations method so the selector can match exit policies against
// concrete addresses; the lookup deliberately happens outside any circuit,
// before scanning starts. A host that doesn't resolve yields nil, which
// the selector treats as "no policy filtering".
func LookupDestinations(host string, port int) []directory.Destination {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return []directory.Destination{{Host: ip4, Port: port}}
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil
	}

	var dests []directory.Destination
	for _, addr := range addrs {
		if ip4 := addr.To4(); ip4 != nil {
			dests = append(dests, directory.Destination{Host: ip4, Port: port})
		}
	}
	return dests
}
