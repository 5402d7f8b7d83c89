package mcpcli_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/MegaGrindStone/mcpcli"
)

func TestMustString_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mcpcli.MustString
		wantErr bool
	}{
		{
			name:    "string input",
			input:   `"test123"`,
			want:    mcpcli.MustString("test123"),
			wantErr: false,
		},
		{
			name:    "integer input",
			input:   `42`,
			want:    mcpcli.MustString("42"),
			wantErr: false,
		},
		{
			name:    "float input",
			input:   `42.0`,
			want:    mcpcli.MustString("42"),
			wantErr: false,
		},
		{
			name:    "invalid type",
			input:   `{"key": "value"}`,
			want:    mcpcli.MustString(""),
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			input:   `invalid`,
			want:    mcpcli.MustString(""),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcpcli.MustString
			err := json.Unmarshal([]byte(tt.input), &got)

			if (err != nil) != tt.wantErr {
				t.Errorf("MustString.UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && got != tt.want {
				t.Errorf("MustString.UnmarshalJSON() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMustString_MarshalJSON(t *testing.T) {
	got, err := json.Marshal(mcpcli.MustString("test123"))
	if err != nil {
		t.Fatalf("MustString.MarshalJSON() error = %v", err)
	}
	if string(got) != `"test123"` {
		t.Errorf("MustString.MarshalJSON() = %v, want %v", string(got), `"test123"`)
	}
}

func TestJSONRPCMessage_NumericIDRoundTrip(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":7,"result":{}}`

	var msg mcpcli.JSONRPCMessage
	if err := json.Unmarshal([]byte(input), &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	if msg.ID != mcpcli.MustString("7") {
		t.Errorf("ID = %q, want %q", msg.ID, "7")
	}

	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}

	var remsg mcpcli.JSONRPCMessage
	if err := json.Unmarshal(out, &remsg); err != nil {
		t.Fatalf("failed to unmarshal remarshaled message: %v", err)
	}
	if remsg.ID != msg.ID {
		t.Errorf("round trip ID = %q, want %q", remsg.ID, msg.ID)
	}
}

func TestJSONRPCError_Error(t *testing.T) {
	jerr := mcpcli.JSONRPCError{Code: -32601, Message: "method not found"}
	got := jerr.Error()
	if got == "" {
		t.Fatal("Error() returned empty string")
	}
	for _, want := range []string{"-32601", "method not found"} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
}
