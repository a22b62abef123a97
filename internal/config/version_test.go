package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		wantErr string
	}{
		{version: CurrentVersion},
		{version: 0, wantErr: "set version: 1"},
		{version: -1, wantErr: "unsupported"},
		{version: CurrentVersion + 1, wantErr: "upgrade mxbot"},
	}

	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) error = %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("ValidateVersion(%d) error = %v, want *VersionError", tt.version, err)
		}
		if !strings.Contains(ve.Error(), tt.wantErr) {
			t.Errorf("ValidateVersion(%d) = %q, want it to mention %q", tt.version, ve.Error(), tt.wantErr)
		}
	}
}

func TestCheckRawVersion(t *testing.T) {
	tests := []struct {
		name      string
		raw       map[string]any
		wantErr   string
		wantMoves []string
	}{
		{name: "current", raw: map[string]any{"version": 1, "matrix": map[string]any{}}},
		{name: "missing version, nested layout", raw: map[string]any{"matrix": map[string]any{"homeserver": "x"}}},
		{name: "newer", raw: map[string]any{"version": 2}, wantErr: "newer than this build"},
		{name: "json number", raw: map[string]any{"version": float64(1)}},
		{name: "fractional", raw: map[string]any{"version": 1.5}, wantErr: "must be an integer"},
		{name: "not a number", raw: map[string]any{"version": "one"}, wantErr: "must be an integer"},
		{
			name:      "flat legacy keys",
			raw:       map[string]any{"homeserver": "https://hs", "command_prefix": "!", "owner_id": "@a:b", "logging": map[string]any{}},
			wantErr:   "set version: 1",
			wantMoves: []string{"command_prefix -> commands.prefixes", "homeserver -> matrix.homeserver", "owner_id -> commands.owner"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkRawVersion(tt.raw)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("checkRawVersion() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("checkRawVersion() error = %v, want %q", err, tt.wantErr)
			}
			if tt.wantMoves == nil {
				return
			}
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %T, want *VersionError", err)
			}
			if strings.Join(ve.Moves, "|") != strings.Join(tt.wantMoves, "|") {
				t.Errorf("Moves = %v, want %v", ve.Moves, tt.wantMoves)
			}
		})
	}
}

func TestVersionError_NilReceiver(t *testing.T) {
	var ve *VersionError
	if got := ve.Error(); got != "" {
		t.Fatalf("nil VersionError = %q, want empty", got)
	}
}
