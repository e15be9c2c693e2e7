package fetchcompare

import (
	"strings"
	"testing"

	"github.com/opd-ai/torscan/pkg/task"
)

func TestRegistered(t *testing.T) {
	factory, ok := task.DefaultRegistry.Get("fetchcompare")
	if !ok {
		t.Fatal("fetchcompare is not in the default registry")
	}
	if got := factory().Name(); got != "fetchcompare" {
		t.Errorf("Name() = %q, want fetchcompare", got)
	}
}

func TestBodyDigest(t *testing.T) {
	// sha256("hello world")
	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

	got, err := bodyDigest(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("bodyDigest() failed: %v", err)
	}
	if got != want {
		t.Errorf("bodyDigest() = %s, want %s", got, want)
	}
}

func TestBodyDigestDiffersOnTamperedContent(t *testing.T) {
	original, err := bodyDigest(strings.NewReader("attachment"))
	if err != nil {
		t.Fatal(err)
	}
	tampered, err := bodyDigest(strings.NewReader("attachment\x00evil"))
	if err != nil {
		t.Fatal(err)
	}
	if original == tampered {
		t.Error("digests of different bodies must differ")
	}
}

func TestBodyDigestBounded(t *testing.T) {
	// Two bodies identical within fetchLimit but differing beyond it hash
	// the same; the limit exists to bound memory, not to detect tails.
	big := strings.Repeat("a", fetchLimit)
	first, err := bodyDigest(strings.NewReader(big + "x"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := bodyDigest(strings.NewReader(big + "y"))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("bytes past fetchLimit should not affect the digest")
	}
}
