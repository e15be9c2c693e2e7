// Package fetchcompare detects exits that tamper with downloads. During
// setup it fetches a reference copy of a fixed file over a direct
// connection and remembers its digest; per exit, it fetches the same file
// over the circuit and compares digests. A mismatch means the bytes were
// modified somewhere past the exit.
package fetchcompare

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"

	"github.com/opd-ai/torscan/pkg/directory"
	"github.com/opd-ai/torscan/pkg/helpers"
	"github.com/opd-ai/torscan/pkg/logger"
	"github.com/opd-ai/torscan/pkg/socks"
	"github.com/opd-ai/torscan/pkg/task"
)

const (
	fileHost = "people.torproject.org"
	filePort = 443
	fileURL  = "https://people.torproject.org/~phw/check_file"
)

// fetchLimit bounds how much body we hash; the reference file is tiny.
const fetchLimit = 1 << 20

func init() {
	task.DefaultRegistry.Register("fetchcompare", New)
}

// Task implements the download-comparison probe.
type Task struct {
	mu        sync.RWMutex
	reference string
}

// New constructs the task.
func New() task.Task {
	return &Task{}
}

// Name implements task.Task.
func (t *Task) Name() string { return "fetchcompare" }

// Destinations implements task.Task.
func (t *Task) Destinations() []directory.Destination {
	return helpers.LookupDestinations(fileHost, filePort)
}

// Setup fetches the reference copy over a direct connection, outside any
// circuit, so every exit is compared against the same ground truth.
func (t *Task) Setup(ctx context.Context) error {
	log := logger.FromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Warn("could not fetch reference copy; probes will only log digests", "error", err)
		return nil
	}
	defer resp.Body.Close()

	digest, err := bodyDigest(resp.Body)
	if err != nil {
		log.Warn("could not hash reference copy", "error", err)
		return nil
	}

	t.mu.Lock()
	t.reference = digest
	t.mu.Unlock()
	log.Debug("reference digest recorded", "digest", digest)
	return nil
}

// Probe implements task.Task.
func (t *Task) Probe(ctx context.Context, exit *directory.ExitCandidate, scope *socks.Scope) error {
	log := logger.FromContext(ctx).Exit(exit.Fingerprint)

	client, err := helpers.NewHTTPClient(scope, nil)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Warn("could not fetch file over exit", "error", err)
		return nil
	}
	defer resp.Body.Close()

	digest, err := bodyDigest(resp.Body)
	if err != nil {
		log.Warn("could not read file over exit", "error", err)
		return nil
	}

	t.mu.RLock()
	reference := t.reference
	t.mu.RUnlock()

	switch {
	case reference == "":
		log.Info("no reference digest, recording what the exit served", "digest", digest)
	case digest != reference:
		log.Error("exit served a modified file", "digest", digest, "reference", reference)
	default:
		log.Debug("download matches reference")
	}
	return nil
}

// bodyDigest hashes up to fetchLimit bytes of r.
func bodyDigest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(r, fetchLimit)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
