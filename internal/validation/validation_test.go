package validation

import "testing"

func TestConfidenceBounds(t *testing.T) {
	if err := Confidence(0.5); err != nil {
		t.Errorf("expected 0.5 to validate, got %v", err)
	}
	if err := Confidence(-0.1); err == nil {
		t.Error("expected negative confidence to fail")
	}
	if err := Confidence(1.1); err == nil {
		t.Error("expected >1 confidence to fail")
	}
}

func TestDecisionValues(t *testing.T) {
	for _, d := range []string{"APPROVE", "REJECT", "ABSTAIN", "REQUEST_CHANGES"} {
		if err := Decision(d); err != nil {
			t.Errorf("expected %s to validate, got %v", d, err)
		}
	}
	if err := Decision("MAYBE"); err == nil {
		t.Error("expected unrecognized decision to fail")
	}
}

func TestPriorityBounds(t *testing.T) {
	if err := Priority(0); err != nil {
		t.Errorf("expected 0 to validate, got %v", err)
	}
	if err := Priority(4); err == nil {
		t.Error("expected 4 to fail")
	}
}
