package main

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args     []string
		wantType string
		wantErr  bool
	}{
		{[]string{"on"}, "light_on", false},
		{[]string{"off"}, "light_off", false},
		{[]string{"breath-on"}, "breath_on", false},
		{[]string{"breath-off"}, "breath_off", false},
		{[]string{"self-test"}, "self_test", false},
		{[]string{"test"}, "self_test", false},
		{[]string{"restart"}, "restart", false},
		{[]string{"status"}, "get_state", false},
		{[]string{"set", "40"}, "set_brightness", false},
		{[]string{"set-brightness", "0"}, "set_brightness", false},
		{[]string{"set"}, "", true},
		{[]string{"set", "bright"}, "", true},
		{[]string{"set", "101"}, "", true},
		{[]string{"set", "-1"}, "", true},
		{[]string{"dim"}, "", true},
	}

	for _, tt := range tests {
		env, err := parseCommand(tt.args)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseCommand(%v) = %+v, want error", tt.args, env)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseCommand(%v): %v", tt.args, err)
			continue
		}
		if env.Type != tt.wantType {
			t.Errorf("parseCommand(%v).Type = %q, want %q", tt.args, env.Type, tt.wantType)
		}
	}
}

func TestParseCommand_SetPayload(t *testing.T) {
	env, err := parseCommand([]string{"set", "40"})
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	var data struct {
		Brightness int    `json:"brightness"`
		Origin     string `json:"origin"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Brightness != 40 || data.Origin != "corridor-ctl" {
		t.Fatalf("data = %+v", data)
	}
}

func TestParseCommand_Empty(t *testing.T) {
	if _, err := parseCommand(nil); !errors.Is(err, errUsage) {
		t.Fatalf("err = %v, want errUsage", err)
	}
}
