package v1

import (
	"encoding/json"
	"testing"
)

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{name: "named event", msg: Message{Event: "new_message"}},
		{name: "reserved event", msg: Message{Event: EventPing}},
		{name: "missing event", msg: Message{}, wantErr: true},
		{name: "blank event", msg: Message{Event: "   "}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestMessageReserved(t *testing.T) {
	t.Parallel()

	for _, ev := range []string{EventPing, EventPong, EventConnectionEstablished, EventError} {
		if !(Message{Event: ev}).Reserved() {
			t.Fatalf("%q must be reserved", ev)
		}
	}
	for _, ev := range []string{"new_message", "typing", "PING", ""} {
		if (Message{Event: ev}).Reserved() {
			t.Fatalf("%q must not be reserved", ev)
		}
	}
}

func TestEnvelopeMetaOmittedOnDirectReplies(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Envelope{Event: EventPong, Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["meta"]; ok {
		t.Fatalf("direct reply must not carry meta: %s", raw)
	}
}
