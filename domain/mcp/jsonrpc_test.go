package mcp

import (
	"encoding/json"
	"testing"
)

func TestMessageKinds(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		notification bool
		request      bool
		response     bool
	}{
		{
			name:    "request",
			raw:     `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			request: true,
		},
		{
			name:         "notification",
			raw:          `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			notification: true,
		},
		{
			name:     "response",
			raw:      `{"jsonrpc":"2.0","id":"abc","result":{}}`,
			response: true,
		},
		{
			name:     "error response",
			raw:      `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`,
			response: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if msg.IsNotification() != tt.notification {
				t.Errorf("IsNotification() = %v", msg.IsNotification())
			}
			if msg.IsRequest() != tt.request {
				t.Errorf("IsRequest() = %v", msg.IsRequest())
			}
			if msg.IsResponse() != tt.response {
				t.Errorf("IsResponse() = %v", msg.IsResponse())
			}
		})
	}
}

func TestIDString(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":42,"method":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.IDString() != "42" {
		t.Errorf("IDString() = %q", msg.IDString())
	}

	note, _ := NewNotification("x", nil)
	if note.IDString() != "<notification>" {
		t.Errorf("IDString() = %q", note.IDString())
	}
}

func TestNewErrorShape(t *testing.T) {
	msg := NewError(json.RawMessage(`3`), ErrCodeNotFound, "no such server", nil)

	data, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.JSONRPC != "2.0" || decoded.ID != 3 {
		t.Errorf("envelope = %+v", decoded)
	}
	if decoded.Error.Code != -32001 {
		t.Errorf("code = %d, want -32001", decoded.Error.Code)
	}
}

func TestNewRequestParamsRoundTrip(t *testing.T) {
	msg, err := NewRequest(json.RawMessage(`"r1"`), MethodToolsCall, ToolsCallParams{
		Name:      "fs_read",
		Arguments: map[string]any{"path": "/tmp/x"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var params ToolsCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.Name != "fs_read" {
		t.Errorf("params.Name = %q", params.Name)
	}
	if params.Arguments["path"] != "/tmp/x" {
		t.Errorf("params.Arguments = %v", params.Arguments)
	}
}

func TestGatewayCapabilitiesAdvertiseRoots(t *testing.T) {
	caps := GatewayCapabilities()
	roots, ok := caps["roots"].(map[string]any)
	if !ok {
		t.Fatal("capabilities missing roots")
	}
	if roots["listChanged"] != true {
		t.Error("roots.listChanged should be advertised")
	}
	if _, ok := caps["sampling"]; !ok {
		t.Error("capabilities missing sampling")
	}
}
