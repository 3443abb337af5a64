package llm

import (
	"encoding/json"
	"testing"
)

func TestExtractJSONPlainObject(t *testing.T) {
	got, err := ExtractJSON(`{"action":"retry","reason":"transient"}`)
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(got), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v["action"] != "retry" {
		t.Fatalf("got %v", v)
	}
}

func TestExtractJSONFenced(t *testing.T) {
	reply := "Here is the plan:\n```json\n[{\"description\":\"a\"}]\n```\nDone."
	got, err := ExtractJSON(reply)
	if err != nil {
		t.Fatal(err)
	}
	var v []map[string]string
	if err := json.Unmarshal([]byte(got), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", got, err)
	}
	if len(v) != 1 || v[0]["description"] != "a" {
		t.Fatalf("got %v", v)
	}
}

func TestExtractJSONSurroundedByProse(t *testing.T) {
	reply := `Sure! The decision is {"action":"skip","reason":"optional {step}"} as discussed.`
	got, err := ExtractJSON(reply)
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(got), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", got, err)
	}
	if v["reason"] != "optional {step}" {
		t.Fatalf("braces in strings mishandled: %v", v)
	}
}

func TestExtractJSONEscapedQuotes(t *testing.T) {
	reply := `{"reason":"said \"no\" twice"}`
	got, err := ExtractJSON(reply)
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(got), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", got, err)
	}
}

func TestExtractJSONErrors(t *testing.T) {
	if _, err := ExtractJSON("no structured data here"); err == nil {
		t.Fatal("expected error for missing JSON")
	}
	if _, err := ExtractJSON(`{"unterminated": true`); err == nil {
		t.Fatal("expected error for unterminated JSON")
	}
}
