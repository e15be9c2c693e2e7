// Package captiveportal detects exits whose traffic is intercepted before
// it reaches the open internet. It fetches check.torproject.org's API over
// the exit's circuit: an answer claiming the request did not come from Tor
// means something between the exit and the destination rewrote the
// connection, the same false-negative signal the check service itself is
// built to expose.
package captiveportal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opd-ai/torscan/pkg/directory"
	"github.com/opd-ai/torscan/pkg/helpers"
	"github.com/opd-ai/torscan/pkg/logger"
	"github.com/opd-ai/torscan/pkg/socks"
	"github.com/opd-ai/torscan/pkg/task"
)

const (
	checkHost = "check.torproject.org"
	checkPort = 443
	checkURL  = "https://check.torproject.org/api/ip"
)

// responseLimit bounds how much of the reply we read; the API answer is a
// few dozen bytes, anything larger is itself suspicious.
const responseLimit = 64 * 1024

func init() {
	task.DefaultRegistry.Register("captiveportal", New)
}

// Task implements the captive-portal probe.
type Task struct{}

// New constructs the task.
func New() task.Task {
	return &Task{}
}

// Name implements task.Task.
func (t *Task) Name() string { return "captiveportal" }

// Destinations implements task.Task.
func (t *Task) Destinations() []directory.Destination {
	return helpers.LookupDestinations(checkHost, checkPort)
}

// checkReply is the JSON body check.torproject.org/api/ip returns.
type checkReply struct {
	IsTor bool   `json:"IsTor"`
	IP    string `json:"IP"`
}

// Probe implements task.Task.
func (t *Task) Probe(ctx context.Context, exit *directory.ExitCandidate, scope *socks.Scope) error {
	log := logger.FromContext(ctx).Exit(exit.Fingerprint)

	client, err := helpers.NewHTTPClient(scope, nil)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Debug("could not fetch check page", "error", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		log.Debug("could not read check reply", "error", err)
		return nil
	}

	reply, err := parseCheckReply(body)
	if err != nil {
		log.Warn("could not parse check reply", "error", err)
		return nil
	}

	if !reply.IsTor {
		log.Error("check thinks this exit isn't Tor",
			"exit_address", exit.Address, "check_address", reply.IP)
	} else {
		log.Debug("exit passed the check test")
	}
	return nil
}

// parseCheckReply decodes the API body, trimming the whitespace some
// middleboxes are known to pad replies with.
func parseCheckReply(body []byte) (*checkReply, error) {
	var reply checkReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("malformed check reply %q: %w", body, err)
	}
	reply.IP = strings.TrimSpace(reply.IP)
	return &reply, nil
}
