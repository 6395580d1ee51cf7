package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestZerologAdapterWritesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerolog(&buf, zerolog.InfoLevel)

	log.Info("trainer", "epoch complete", map[string]interface{}{"epoch": 3})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "trainer" || entry["message"] != "epoch complete" {
		t.Errorf("unexpected entry %v", entry)
	}
	if entry["epoch"] != float64(3) {
		t.Errorf("expected epoch field 3, got %v", entry["epoch"])
	}
}

func TestZerologAdapterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerolog(&buf, zerolog.WarnLevel)

	log.Debug("dataset", "hidden", nil)
	log.Info("dataset", "hidden", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}

	log.Error("dataset", errors.New("boom"), nil)
	if !bytes.Contains(buf.Bytes(), []byte("boom")) {
		t.Errorf("expected error text in %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		expected zerolog.Level
		wantErr  bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, false},
		{"WARN", zerolog.WarnLevel, false},
		{"loud", zerolog.NoLevel, true},
	}
	for _, test := range tests {
		got, err := ParseLevel(test.name)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", test.name, err, test.wantErr)
			continue
		}
		if !test.wantErr && got != test.expected {
			t.Errorf("ParseLevel(%q) = %v, expected %v", test.name, got, test.expected)
		}
	}
}

func TestNewZerologLeavesPackageSettings(t *testing.T) {
	before := zerolog.DurationFieldInteger
	NewZerolog(&bytes.Buffer{}, zerolog.InfoLevel)
	NewConsoleLogger(zerolog.InfoLevel)
	if zerolog.DurationFieldInteger != before {
		t.Errorf("constructing a logger changed zerolog.DurationFieldInteger to %v", zerolog.DurationFieldInteger)
	}
}
