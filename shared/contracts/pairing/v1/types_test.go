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
		{name: "create", msg: Message{Event: EventCreate}},
		{name: "missing event", msg: Message{}, wantErr: true},
		{name: "unknown event", msg: Message{Event: "PING"}, wantErr: true},
		{name: "auth ok", msg: Message{Event: EventAuth, Data: &AuthData{UUID: "abc", Token: "tok"}}},
		{name: "auth no data", msg: Message{Event: EventAuth}, wantErr: true},
		{name: "auth no token", msg: Message{Event: EventAuth, Data: &AuthData{UUID: "abc"}}, wantErr: true},
		{name: "auth no uuid", msg: Message{Event: EventAuth, Data: &AuthData{Token: "tok"}}, wantErr: true},
		{name: "subscribe", msg: Message{Event: EventSubscribe, Data: &AuthData{UUID: "abc"}}},
		{name: "subscribe no uuid", msg: Message{Event: EventSubscribe, Data: &AuthData{}}, wantErr: true},
		{name: "resume", msg: Message{Event: EventResume, Data: &AuthData{UUID: "abc"}}},
		{name: "created", msg: Message{Event: EventCreated, ID: "abc"}},
		{name: "created no id", msg: Message{Event: EventCreated}, wantErr: true},
		{name: "auth_ok", msg: Message{Event: EventAuthOK, Token: "tok"}},
		{name: "auth_ok no token", msg: Message{Event: EventAuthOK}, wantErr: true},
		{name: "failed", msg: Message{Event: EventFailed, Reason: ReasonNotFound}},
		{name: "failed no reason", msg: Message{Event: EventFailed}, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.msg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// The mobile app ships this exact AUTH shape; keep it decoding forever.
func TestAuthWireShape(t *testing.T) {
	t.Parallel()

	raw := `{"event":"AUTH","data":{"uuid":"abc123","token":"tok-1"}}`

	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.Data.UUID != "abc123" || m.Data.Token != "tok-1" {
		t.Fatalf("unexpected data: %+v", m.Data)
	}
}
