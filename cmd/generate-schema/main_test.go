package main

import (
	"encoding/json"
	"testing"

	"github.com/m-lab/go/testingx"
	"github.com/m-lab/speedtracker/pkg/model"
)

func Test_schema(t *testing.T) {
	b, err := schema(model.Record{})
	testingx.Must(t, err, "cannot generate schema")

	var fields []struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Mode string `json:"mode"`
	}
	testingx.Must(t, json.Unmarshal(b, &fields), "cannot parse schema")

	want := map[string]string{
		"download_speed":      "FLOAT",
		"upload_speed":        "FLOAT",
		"download_time_taken": "FLOAT",
		"upload_time_taken":   "FLOAT",
		"time_of_test":        "STRING",
	}
	if len(fields) != len(want) {
		t.Fatalf("schema has %d fields, want %d: %s", len(fields), len(want), b)
	}
	for _, f := range fields {
		if want[f.Name] != f.Type {
			t.Errorf("field %s has type %s, want %s", f.Name, f.Type, want[f.Name])
		}
		if f.Mode == "REQUIRED" {
			t.Errorf("field %s is required", f.Name)
		}
	}
}
