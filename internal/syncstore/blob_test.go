package syncstore

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestBlob_RoundTrip(t *testing.T) {
	large := make([]json.RawMessage, 0, 50)
	for i := 0; i < 50; i++ {
		large = append(large, json.RawMessage(`{"type":"m.room.member","content":{"membership":"join","displayname":"`+strings.Repeat("x", 40)+`"}}`))
	}

	tests := []struct {
		name           string
		events         []json.RawMessage
		compress       bool
		wantCompressed bool
	}{
		{name: "plain", events: large, compress: false, wantCompressed: false},
		{name: "compressed", events: large, compress: true, wantCompressed: true},
		{name: "tiny stays plain", events: []json.RawMessage{json.RawMessage(`{}`)}, compress: true, wantCompressed: false},
		{name: "empty", events: []json.RawMessage{}, compress: true, wantCompressed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encodeBlob(tt.events, tt.compress)
			if err != nil {
				t.Fatalf("encodeBlob() error = %v", err)
			}
			if got := bytes.HasPrefix(data, zstdMagic); got != tt.wantCompressed {
				t.Errorf("compressed = %v, want %v", got, tt.wantCompressed)
			}

			events, err := decodeEvents(data)
			if err != nil {
				t.Fatalf("decodeEvents() error = %v", err)
			}
			if len(events) != len(tt.events) {
				t.Errorf("decoded %d events, want %d", len(events), len(tt.events))
			}
		})
	}
}

func TestBlob_DecodeEmptyAndCorrupt(t *testing.T) {
	events, err := decodeEvents(nil)
	if err != nil || events == nil || len(events) != 0 {
		t.Errorf("decodeEvents(nil) = %v, %v; want empty slice", events, err)
	}

	corrupt := append(append([]byte{}, zstdMagic...), 0x00, 0x01, 0x02)
	if _, err := decodeEvents(corrupt); err == nil {
		t.Error("decodeEvents(corrupt frame) succeeded")
	}
	if _, err := decodeEvents([]byte(`{"not":"a list"}`)); err == nil {
		t.Error("decodeEvents(object) succeeded")
	}
}
