package delegate

import "testing"

func TestDecodeEnvelopeHappyPath(t *testing.T) {
	env, err := DecodeEnvelope(`{"decision":"APPROVE","confidence":0.92,"reasoning":"looks correct"}`)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Decision != "APPROVE" || env.Confidence != 0.92 {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestDecodeEnvelopeStripsSurroundingProse(t *testing.T) {
	env, err := DecodeEnvelope("Here is my review:\n{\"decision\":\"REJECT\",\"confidence\":0.4,\"reasoning\":\"missing tests\"}\nThanks.")
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Decision != "REJECT" {
		t.Errorf("expected REJECT, got %s", env.Decision)
	}
}

func TestDecodeEnvelopeRejectsUnrecognizedDecision(t *testing.T) {
	if _, err := DecodeEnvelope(`{"decision":"MAYBE","confidence":0.5}`); err == nil {
		t.Error("expected unrecognized decision to be rejected")
	}
}

func TestDecodeEnvelopeRejectsOutOfRangeConfidence(t *testing.T) {
	if _, err := DecodeEnvelope(`{"decision":"APPROVE","confidence":1.5}`); err == nil {
		t.Error("expected out-of-range confidence to be rejected")
	}
}

func TestDecodeEnvelopeRejectsMalformedJSON(t *testing.T) {
	if _, err := DecodeEnvelope(`not json at all`); err == nil {
		t.Error("expected malformed output to be rejected, not silently parsed")
	}
}
