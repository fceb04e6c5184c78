package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelope_Validate(t *testing.T) {
	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"valid hello", Envelope{V: Version, Type: TypeHello}, false},
		{"valid vote.cast", Envelope{V: Version, Type: TypeVoteCast}, false},
		{"missing version", Envelope{Type: TypeHello}, true},
		{"wrong version", Envelope{V: "v2", Type: TypeHello}, true},
		{"missing type", Envelope{V: Version}, true},
		{"unknown type", Envelope{V: Version, Type: "vote.hijack"}, true},
	}
	for _, c := range cases {
		err := c.env.Validate()
		if (err != nil) != c.wantErr {
			t.Fatalf("%s: Validate() = %v, wantErr=%v", c.name, err, c.wantErr)
		}
	}
}

func TestEnvelope_PayloadRoundtrip(t *testing.T) {
	payload, err := json.Marshal(VoteCastPayload{QuestionID: "q-1", Choice: ChoiceYes})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := Envelope{
		V:       Version,
		Type:    TypeVoteCast,
		ID:      "cli-1",
		TS:      time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC),
		Payload: payload,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := back.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	var cast VoteCastPayload
	if err := json.Unmarshal(back.Payload, &cast); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if cast.QuestionID != "q-1" || cast.Choice != ChoiceYes {
		t.Fatalf("payload mismatch: %+v", cast)
	}
}
