// Package path selects exit relays for destinations and tracks which
// relays were used as a circuit's first hop.
package path

import (
	"context"
	"math/rand"
	"strings"

	"github.com/opd-ai/torscan/pkg/directory"
	"github.com/opd-ai/torscan/pkg/geoip"
	"github.com/opd-ai/torscan/pkg/logger"
)

// Criteria is the selector's filter contract: flag predicates, optional
// attribute filters (substring match on Address and Nickname, exact match
// on Version), an optional fingerprint whitelist, and the task's
// destination set. Mirrors relayselector.py's get_exits parameters.
type Criteria struct {
	GoodExit bool
	BadExit  bool

	Country  string
	Version  string
	Nickname string
	Address  string

	RequestedFingerprints []string

	Destinations []directory.Destination

	// UseOnionoo selects the network country lookup; when false, GeoDB is
	// consulted instead (offline path, per the onionoo+MaxMind Open
	// Question decision).
	UseOnionoo bool
	GeoDB      *geoip.DB
}

// Selection is one exit's outcome: the candidate itself, and the subset of
// requested destinations it permits. Universal is true when the caller
// supplied no destinations at all, in which case every destination is
// considered permitted without being enumerated.
type Selection struct {
	Candidate    *directory.ExitCandidate
	Destinations []directory.Destination
	Universal    bool
}

// Permits reports whether this selection covers d.
func (s *Selection) Permits(d directory.Destination) bool {
	if s.Universal {
		return true
	}
	for _, have := range s.Destinations {
		if have.Host.Equal(d.Host) && have.Port == d.Port {
			return true
		}
	}
	return false
}

// Select loads exit candidates from dataDir and returns a fingerprint to
// Selection map of every exit that satisfies criteria, following
// relayselector.py's get_exits filter ordering: flags, cheap attribute
// filters, country, then destinations last (the most expensive check).
func Select(ctx context.Context, dataDir string, criteria Criteria, log *logger.Logger) (map[string]*Selection, error) {
	l := log.Component("path")

	candidates, err := directory.LoadCandidates(dataDir, log)
	if err != nil {
		return nil, err
	}

	candidates = filterByFlags(candidates, criteria, l)
	if len(candidates) == 0 {
		return map[string]*Selection{}, nil
	}

	candidates = filterByExactMatch(candidates, criteria)
	if len(candidates) == 0 {
		l.Warn("no exit relays meet basic filter conditions")
		return map[string]*Selection{}, nil
	}

	candidates, err = filterByCountry(ctx, candidates, criteria, l)
	if err != nil {
		l.Warn("country filter lookup failed, treating country set as empty", "error", err)
		return map[string]*Selection{}, nil
	}
	if len(candidates) == 0 {
		l.Warn("no exit relays meet country-code filter condition")
		return map[string]*Selection{}, nil
	}

	result := buildDestinationMap(candidates, criteria)
	l.Info("selector finished", "selected", len(result), "candidates", len(candidates))
	return result, nil
}

func filterByFlags(candidates []*directory.ExitCandidate, c Criteria, l *logger.Logger) []*directory.ExitCandidate {
	if !c.GoodExit && !c.BadExit {
		l.Warn("Select() called with GoodExit=false and BadExit=false; this always returns zero exits")
		return nil
	}
	if c.GoodExit && c.BadExit {
		return candidates
	}

	var out []*directory.ExitCandidate
	for _, cand := range candidates {
		if c.BadExit && cand.IsBadExit() {
			out = append(out, cand)
		} else if c.GoodExit && !cand.IsBadExit() {
			out = append(out, cand)
		}
	}
	return out
}

func filterByExactMatch(candidates []*directory.ExitCandidate, c Criteria) []*directory.ExitCandidate {
	if c.Address == "" && c.Nickname == "" && c.Version == "" && len(c.RequestedFingerprints) == 0 {
		return candidates
	}

	requested := make(map[string]bool, len(c.RequestedFingerprints))
	for _, fpr := range c.RequestedFingerprints {
		requested[strings.ToUpper(fpr)] = true
	}

	var out []*directory.ExitCandidate
	for _, cand := range candidates {
		if c.Address != "" && !strings.Contains(cand.Address, c.Address) {
			continue
		}
		if c.Nickname != "" && !strings.Contains(cand.Nickname, c.Nickname) {
			continue
		}
		if c.Version != "" && cand.Version != c.Version {
			continue
		}
		if len(requested) > 0 && !requested[strings.ToUpper(cand.Fingerprint)] {
			continue
		}
		out = append(out, cand)
	}
	return out
}

func filterByCountry(ctx context.Context, candidates []*directory.ExitCandidate, c Criteria, l *logger.Logger) ([]*directory.ExitCandidate, error) {
	if c.Country == "" {
		return candidates, nil
	}

	var allowed map[string]bool
	if c.UseOnionoo {
		fprs, err := geoip.OnionooLookup(ctx, c.Country, l)
		if err != nil {
			return nil, err
		}
		allowed = make(map[string]bool, len(fprs))
		for _, f := range fprs {
			allowed[strings.ToUpper(f)] = true
		}
	} else if c.GeoDB != nil {
		allowed = make(map[string]bool)
		for _, cand := range candidates {
			if cand.IP == nil {
				continue
			}
			country, err := c.GeoDB.Country(cand.IP)
			if err == nil && strings.EqualFold(country, c.Country) {
				allowed[strings.ToUpper(cand.Fingerprint)] = true
			}
		}
	} else {
		return candidates, nil
	}

	var out []*directory.ExitCandidate
	for _, cand := range candidates {
		if allowed[strings.ToUpper(cand.Fingerprint)] {
			out = append(out, cand)
		}
	}
	return out, nil
}

func buildDestinationMap(candidates []*directory.ExitCandidate, c Criteria) map[string]*Selection {
	result := make(map[string]*Selection, len(candidates))

	if len(c.Destinations) == 0 {
		for _, cand := range candidates {
			result[cand.Fingerprint] = &Selection{Candidate: cand, Universal: true}
		}
		return result
	}

	for _, cand := range candidates {
		var permitted []directory.Destination
		for _, d := range c.Destinations {
			if cand.Policy.CanExitTo(d.Host, d.Port) {
				permitted = append(permitted, d)
			}
		}
		if len(permitted) > 0 {
			result[cand.Fingerprint] = &Selection{Candidate: cand, Destinations: permitted}
		}
	}
	return result
}

// SelectFirstHop chooses a first hop uniformly at random from allHops. rng
// may be nil in production, in which case the package-level math/rand
// source (auto-seeded since Go 1.20) is used; tests pass a seeded *rand.Rand
// for determinism.
func SelectFirstHop(allHops []string, rng *rand.Rand) string {
	if len(allHops) == 0 {
		return ""
	}
	if rng == nil {
		return allHops[rand.Intn(len(allHops))]
	}
	return allHops[rng.Intn(len(allHops))]
}
