// Package dnscheck probes an exit relay's DNS resolver. It runs two
// checks per exit: whether a set of well-known domains resolves to the
// addresses the scanner's own resolver returned before the scan started
// (DNS poisoning), and whether a deliberately broken DNSSEC domain
// resolves at all (a resolver that validates must refuse it).
package dnscheck

import (
	"context"
	"net"
	"sync"

	"github.com/opd-ai/torscan/pkg/directory"
	"github.com/opd-ai/torscan/pkg/errors"
	"github.com/opd-ai/torscan/pkg/logger"
	"github.com/opd-ai/torscan/pkg/socks"
	"github.com/opd-ai/torscan/pkg/task"
)

// brokenDomain is deliberately misconfigured DNSSEC. If an exit's resolver
// returns an address for it, that resolver does not validate DNSSEC.
const brokenDomain = "www.dnssec-failed.org"

// watchedDomains are resolved locally during Setup; their answers become
// the whitelist every exit's answers are compared against.
var watchedDomains = []string{
	"www.torproject.org",
	"torrentfreak.com",
	"blockchain.info",
}

func init() {
	task.DefaultRegistry.Register("dnscheck", New)
}

// Task implements the dnscheck probe.
type Task struct {
	mu        sync.RWMutex
	whitelist map[string][]net.IP
}

// New constructs the task.
func New() task.Task {
	return &Task{whitelist: make(map[string][]net.IP)}
}

// Name implements task.Task.
func (t *Task) Name() string { return "dnscheck" }

// Destinations implements task.Task. The task only issues RESOLVE
// requests, so there is no destination an exit policy could be matched
// against.
func (t *Task) Destinations() []directory.Destination { return nil }

// Setup resolves every watched domain through the local resolver, fixing
// the whitelist before any circuit exists.
func (t *Task) Setup(ctx context.Context) error {
	log := logger.FromContext(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()

	var resolver net.Resolver
	for _, domain := range watchedDomains {
		addrs, err := resolver.LookupIP(ctx, "ip4", domain)
		if err != nil {
			log.Warn("could not resolve watched domain locally, skipping it", "domain", domain, "error", err)
			continue
		}
		t.whitelist[domain] = addrs
		log.Debug("domain whitelisted", "domain", domain, "addresses", addrs)
	}
	return nil
}

// Probe implements task.Task.
func (t *Task) Probe(ctx context.Context, exit *directory.ExitCandidate, scope *socks.Scope) error {
	log := logger.FromContext(ctx).Exit(exit.Fingerprint)
	t.checkBrokenDomain(ctx, log, scope)

	t.mu.RLock()
	whitelist := t.whitelist
	t.mu.RUnlock()

	for domain, expected := range whitelist {
		answer, err := scope.ResolveContext(ctx, domain)
		if err != nil {
			log.Debug("exit could not resolve domain", "domain", domain, "error", err)
			continue
		}
		if !answerExpected(answer, expected) {
			log.Error("exit returned unexpected address for domain",
				"domain", domain, "answer", answer, "expected", expected)
		} else {
			log.Debug("domain resolved as expected", "domain", domain)
		}
	}
	return nil
}

// checkBrokenDomain flags resolvers that hand out an answer for a domain
// whose DNSSEC chain is known-broken. A SOCKS resolve failure is the good
// outcome here.
func (t *Task) checkBrokenDomain(ctx context.Context, log *logger.Logger, scope *socks.Scope) {
	answer, err := scope.ResolveContext(ctx, brokenDomain)
	if err != nil {
		if errors.IsCategory(err, errors.CategorySOCKS) {
			log.Debug("exit did not resolve broken DNSSEC domain")
		} else {
			log.Debug("broken-domain resolve failed", "error", err)
		}
		return
	}
	log.Error("exit resolver does not validate DNSSEC", "domain", brokenDomain, "answer", answer)
}

// answerExpected reports whether answer is one of the whitelisted
// addresses for a domain.
func answerExpected(answer net.IP, whitelist []net.IP) bool {
	for _, ip := range whitelist {
		if ip.Equal(answer) {
			return true
		}
	}
	return false
}
