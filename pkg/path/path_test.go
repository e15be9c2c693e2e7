package path

import (
	"bytes"
	"context"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/opd-ai/torscan/pkg/directory"
	"github.com/opd-ai/torscan/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(slog.LevelError, &bytes.Buffer{})
}

const fixtureConsensus = `r goodexit GOODEXIT DIGEST1 2024-01-01 00:00:00 198.51.100.1 9001 0
s Exit Fast Running Stable Valid
r badexit BADEXIT DIGEST2 2024-01-01 00:00:00 198.51.100.2 9001 0
s BadExit Exit Fast Running Stable Valid
r narrowexit NARROWEXIT DIGEST3 2024-01-01 00:00:00 198.51.100.3 9001 0
s Exit Fast Running Stable Valid
`

const fixtureDescriptors = `router goodexit 198.51.100.1 9001 0 0
platform Tor 0.4.8.10 on Linux
fingerprint GOODEXIT
accept *:443
reject *:*
router badexit 198.51.100.2 9001 0 0
platform Tor 0.4.8.10 on Linux
fingerprint BADEXIT
accept *:443
reject *:*
router narrowexit 198.51.100.3 9001 0 0
platform Tor 0.4.8.10 on Linux
fingerprint NARROWEXIT
accept 93.184.216.0/24:80
reject *:*
`

func writeFixtures(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cached-consensus"), []byte(fixtureConsensus), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cached-descriptors"), []byte(fixtureDescriptors), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestSelectGoodExitsOnly(t *testing.T) {
	dir := writeFixtures(t)

	result, err := Select(context.Background(), dir, Criteria{GoodExit: true}, testLogger())
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	if _, ok := result["BADEXIT"]; ok {
		t.Error("BADEXIT should be excluded when GoodExit=true, BadExit=false")
	}
	if _, ok := result["GOODEXIT"]; !ok {
		t.Error("GOODEXIT should be included")
	}
}

func TestSelectBadExitsOnly(t *testing.T) {
	dir := writeFixtures(t)

	result, err := Select(context.Background(), dir, Criteria{BadExit: true}, testLogger())
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("got %d results, want 1", len(result))
	}
	if _, ok := result["BADEXIT"]; !ok {
		t.Error("BADEXIT should be the only result")
	}
}

func TestSelectNeitherFlagReturnsEmpty(t *testing.T) {
	dir := writeFixtures(t)

	result, err := Select(context.Background(), dir, Criteria{}, testLogger())
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("got %d results, want 0 when neither GoodExit nor BadExit is set", len(result))
	}
}

func TestSelectUniversalDestinations(t *testing.T) {
	dir := writeFixtures(t)

	result, err := Select(context.Background(), dir, Criteria{GoodExit: true, BadExit: true}, testLogger())
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	for fpr, sel := range result {
		if !sel.Universal {
			t.Errorf("%s: expected Universal=true when no destinations given", fpr)
		}
		if !sel.Permits(directory.Destination{Host: net.ParseIP("1.2.3.4"), Port: 9999}) {
			t.Errorf("%s: universal selection should permit any destination", fpr)
		}
	}
}

func TestSelectWithDestinationsNarrowsExits(t *testing.T) {
	dir := writeFixtures(t)

	dest := directory.Destination{Host: net.ParseIP("93.184.216.34"), Port: 80}
	result, err := Select(context.Background(), dir, Criteria{
		GoodExit:     true,
		BadExit:      true,
		Destinations: []directory.Destination{dest},
	}, testLogger())
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}

	if _, ok := result["NARROWEXIT"]; !ok {
		t.Error("NARROWEXIT permits 93.184.216.34:80 and should be selected")
	}
	if _, ok := result["GOODEXIT"]; ok {
		t.Error("GOODEXIT only accepts port 443 and should be excluded for this destination")
	}
	if !result["NARROWEXIT"].Permits(dest) {
		t.Error("NARROWEXIT's selection should Permits() the requested destination")
	}
}

func TestSelectNicknameSubstringFilter(t *testing.T) {
	dir := writeFixtures(t)

	result, err := Select(context.Background(), dir, Criteria{
		GoodExit: true,
		BadExit:  true,
		Nickname: "narrow",
	}, testLogger())
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("got %d results, want 1", len(result))
	}
	if _, ok := result["NARROWEXIT"]; !ok {
		t.Error("nickname filter should select only NARROWEXIT")
	}
}

func TestSelectRequestedFingerprintWhitelist(t *testing.T) {
	dir := writeFixtures(t)

	result, err := Select(context.Background(), dir, Criteria{
		GoodExit:              true,
		BadExit:               true,
		RequestedFingerprints: []string{"goodexit"},
	}, testLogger())
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("got %d results, want 1", len(result))
	}
	if _, ok := result["GOODEXIT"]; !ok {
		t.Error("fingerprint whitelist should match case-insensitively")
	}
}

func TestSelectMissingDataDir(t *testing.T) {
	_, err := Select(context.Background(), t.TempDir(), Criteria{GoodExit: true}, testLogger())
	if err == nil {
		t.Fatal("expected an error for a data directory with no cached-consensus")
	}
}

func TestSelectFirstHop(t *testing.T) {
	hops := []string{"A", "B", "C", "D"}
	rng := rand.New(rand.NewSource(42))

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		h := SelectFirstHop(hops, rng)
		seen[h] = true
	}
	if len(seen) < 2 {
		t.Errorf("SelectFirstHop should produce varied output over many calls, got %v", seen)
	}
}

func TestSelectFirstHopEmpty(t *testing.T) {
	if got := SelectFirstHop(nil, rand.New(rand.NewSource(1))); got != "" {
		t.Errorf("SelectFirstHop(nil) = %q, want empty string", got)
	}
}
