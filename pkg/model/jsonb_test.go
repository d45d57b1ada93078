package model

import (
	"encoding/json"
	"testing"
)

func TestJSONBValueAndScan(t *testing.T) {
	original := JSONB{"application_id": "abc", "monthly_income": 50000.0}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	data, ok := value.([]byte)
	if !ok {
		t.Fatalf("expected []byte value, got %T", value)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal value error: %v", err)
	}

	if decoded["application_id"] != "abc" {
		t.Fatalf("expected application_id abc, got %v", decoded["application_id"])
	}

	var scanned JSONB
	if err := scanned.Scan(data); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if scanned["application_id"] != "abc" {
		t.Fatalf("expected scanned application_id abc, got %v", scanned["application_id"])
	}

	var fromString JSONB
	if err := fromString.Scan(string(data)); err != nil {
		t.Fatalf("Scan(string) error: %v", err)
	}
	if fromString["monthly_income"] != 50000.0 {
		t.Fatalf("expected monthly_income 50000, got %v", fromString["monthly_income"])
	}
}

func TestJSONBScanRejectsUnknownType(t *testing.T) {
	var j JSONB
	if err := j.Scan(42); err == nil {
		t.Fatal("expected error scanning int")
	}
}

func TestJSONBGormDataType(t *testing.T) {
	value := JSONB{"ok": true}
	if value.GormDataType() != "jsonb" {
		t.Fatalf("expected jsonb data type, got %q", value.GormDataType())
	}
}
