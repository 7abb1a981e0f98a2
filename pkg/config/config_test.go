package config

import "testing"

func TestDefaultsPopulateIdentityParams(t *testing.T) {
	c := Defaults()
	p := c.IdentityParams()

	if p.SignContextString != c.Identity.IDMUCContextString {
		t.Fatalf("sign context mismatch: %q vs %q", p.SignContextString, c.Identity.IDMUCContextString)
	}
	if p.ArgonMemoryKiB != c.Identity.ArgonMemoryHardness {
		t.Fatalf("argon memory mismatch: %d vs %d", p.ArgonMemoryKiB, c.Identity.ArgonMemoryHardness)
	}
	if p.MinMucRebuildDelay != c.Admission.MinMucRebuildDelay {
		t.Fatalf("rebuild delay mismatch: %v vs %v", p.MinMucRebuildDelay, c.Admission.MinMucRebuildDelay)
	}
	if c.Admission.RequiredDifficulty <= 0 {
		t.Fatalf("expected a positive default difficulty")
	}
	if len(c.Sync.Parsers) == 0 {
		t.Fatalf("expected at least one default parser")
	}
}
