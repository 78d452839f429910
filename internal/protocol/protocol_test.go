package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantFrame bool
		wantErr   bool
		wantType  FrameType
	}{
		{"plain output", "building module...", false, false, ""},
		{"empty line", "", false, false, ""},
		{"log frame", `LMNR_PROTOCOL:{"type":"log","message":"hello"}`, true, false, FrameLog},
		{"result frame", `LMNR_PROTOCOL:{"type":"result","result":{"score":1}}`, true, false, FrameResult},
		{"error frame", `LMNR_PROTOCOL:{"type":"error","message":"boom","stack":"at main"}`, true, false, FrameError},
		{"prefix with garbage", `LMNR_PROTOCOL:{not json`, true, true, ""},
		{"prefix with unknown type", `LMNR_PROTOCOL:{"type":"telemetry"}`, true, true, ""},
		{"prefix mid-line is not a frame", `note: LMNR_PROTOCOL:{"type":"log"}`, false, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, isFrame, err := ParseFrame(tt.line)
			if isFrame != tt.wantFrame {
				t.Fatalf("ParseFrame(%q) isFrame = %v, want %v", tt.line, isFrame, tt.wantFrame)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFrame(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if err == nil && isFrame && f.Type != tt.wantType {
				t.Errorf("ParseFrame(%q) type = %q, want %q", tt.line, f.Type, tt.wantType)
			}
		})
	}
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	in := Frame{Type: FrameResult, Result: json.RawMessage(`{"answer":42}`)}

	line, err := EncodeFrame(in)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}

	out, isFrame, err := ParseFrame(line)
	if err != nil || !isFrame {
		t.Fatalf("ParseFrame(encoded) isFrame = %v, error = %v", isFrame, err)
	}
	if out.Type != FrameResult {
		t.Errorf("round-trip type = %q, want %q", out.Type, FrameResult)
	}
	if string(out.Result) != `{"answer":42}` {
		t.Errorf("round-trip result = %s", out.Result)
	}
}

func TestWorkerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     WorkerConfig
		wantErr bool
	}{
		{"file target", WorkerConfig{FilePath: "agent.go", CacheServerPort: 4000}, false},
		{"module target", WorkerConfig{ModulePath: "my.agent", CacheServerPort: 4000}, false},
		{"no target", WorkerConfig{CacheServerPort: 4000}, true},
		{"both targets", WorkerConfig{FilePath: "a.go", ModulePath: "m", CacheServerPort: 4000}, true},
		{"missing port", WorkerConfig{FilePath: "agent.go"}, true},
		{"port out of range", WorkerConfig{FilePath: "agent.go", CacheServerPort: 70000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
