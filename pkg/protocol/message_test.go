package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/omochice/peer-signal-relay/pkg/protocol"
)

func TestMessage_Encode(t *testing.T) {
	tests := []struct {
		name    string
		msg     protocol.Message
		want    string
		wantErr error
	}{
		{
			name: "encode registered acknowledgement",
			msg:  protocol.NewRegistered("p1"),
			want: `{"type":"registered","peer_id":"p1"}`,
		},
		{
			name: "encode error notice",
			msg:  protocol.NewError(protocol.SignalFailure("p3")),
			want: `{"type":"error","message":"Failed to send signal to p3"}`,
		},
		{
			name: "encode pong",
			msg:  protocol.NewPong(),
			want: `{"type":"pong"}`,
		},
		{
			name: "encode signal keeps payload bytes",
			msg:  protocol.NewSignal("A", json.RawMessage(`{ "sdp" : "v=0\r\n", "n": [1, 2] }`)),
			want: `{"type":"signal","from":"A","data":{ "sdp" : "v=0\r\n", "n": [1, 2] }}`,
		},
		{
			name: "encode signal with scalar payload",
			msg:  protocol.NewSignal("A", json.RawMessage(`42`)),
			want: `{"type":"signal","from":"A","data":42}`,
		},
		{
			name:    "reject invalid payload",
			msg:     protocol.NewSignal("A", json.RawMessage(`{broken`)),
			wantErr: protocol.ErrInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Encode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Encode() unexpected error: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Encode() = %s, want %s", data, tt.want)
			}
			if !json.Valid(data) {
				t.Errorf("Encode() produced invalid JSON: %s", data)
			}
		})
	}
}

func TestMessage_Decode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    protocol.Message
		wantErr bool
	}{
		{
			name: "decode register",
			data: `{"type":"register","peer_id":"p1"}`,
			want: protocol.Message{Type: protocol.MessageTypeRegister, PeerID: "p1"},
		},
		{
			name: "decode signal request",
			data: `{"type":"signal","to":"p2","data":{"candidate":"x"}}`,
			want: protocol.Message{Type: protocol.MessageTypeSignal, To: "p2", Data: json.RawMessage(`{"candidate":"x"}`)},
		},
		{
			name: "decode unknown type",
			data: `{"type":"subscribe","topic":"t"}`,
			want: protocol.Message{Type: "subscribe"},
		},
		{
			name:    "reject malformed json",
			data:    `{"type":`,
			wantErr: true,
		},
		{
			name:    "reject non-object",
			data:    `["register"]`,
			wantErr: true,
		},
		{
			name:    "reject non-string peer id",
			data:    `{"type":"register","peer_id":7}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got protocol.Message
			err := got.Decode([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Type != tt.want.Type {
				t.Errorf("Decode() Type = %v, want %v", got.Type, tt.want.Type)
			}
			if got.PeerID != tt.want.PeerID {
				t.Errorf("Decode() PeerID = %v, want %v", got.PeerID, tt.want.PeerID)
			}
			if got.To != tt.want.To {
				t.Errorf("Decode() To = %v, want %v", got.To, tt.want.To)
			}
			if string(got.Data) != string(tt.want.Data) {
				t.Errorf("Decode() Data = %s, want %s", got.Data, tt.want.Data)
			}
		})
	}
}

func TestMessage_DecodeResetsFields(t *testing.T) {
	msg := protocol.NewSignal("A", json.RawMessage(`1`))
	if err := msg.Decode([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.From != "" || msg.Data != nil {
		t.Errorf("Decode() kept stale fields: %+v", msg)
	}
}

func TestMessage_HasData(t *testing.T) {
	tests := []struct {
		name string
		data string
		want bool
	}{
		{"absent", ``, false},
		{"null", `null`, false},
		{"empty object", `{}`, true},
		{"string", `"offer"`, true},
		{"false", `false`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg protocol.Message
			if err := msg.Decode([]byte(`{"type":"signal","to":"b"` + dataField(tt.data) + `}`)); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got := msg.HasData(); got != tt.want {
				t.Errorf("HasData() = %v, want %v", got, tt.want)
			}
		})
	}
}

func dataField(raw string) string {
	if raw == "" {
		return ""
	}
	return `,"data":` + raw
}

func TestNewPeersUpdate(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 6, time.FixedZone("X", 3600))
	msg := protocol.NewPeersUpdate([]string{"p1", "p2"}, at)

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var decoded protocol.Message
	if err := decoded.Decode(data); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.Type != protocol.MessageTypePeersUpdate {
		t.Errorf("Type = %v, want %v", decoded.Type, protocol.MessageTypePeersUpdate)
	}
	if len(decoded.Peers) != 2 || decoded.Peers[0] != "p1" || decoded.Peers[1] != "p2" {
		t.Errorf("Peers = %v, want [p1 p2]", decoded.Peers)
	}
	got, err := decoded.Time()
	if err != nil {
		t.Fatalf("Time() error = %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("Time() = %v, want %v", got, at)
	}
}

func TestMessageType_String(t *testing.T) {
	tests := []struct {
		name string
		mt   protocol.MessageType
		want string
	}{
		{"register type", protocol.MessageTypeRegister, "register"},
		{"peers update type", protocol.MessageTypePeersUpdate, "peers_update"},
		{"empty type", "", "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.mt.String(); got != tt.want {
				t.Errorf("MessageType.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageType_Known(t *testing.T) {
	if !protocol.MessageTypeSignal.Known() {
		t.Error("signal should be known")
	}
	if protocol.MessageType("subscribe").Known() {
		t.Error("subscribe should not be known")
	}
}
