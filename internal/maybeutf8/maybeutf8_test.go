package maybeutf8

import (
	"encoding/json"
	"testing"
)

func TestValueRoundTripUTF8(t *testing.T) {
	v := New([]byte("hello"))
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"hello"` {
		t.Fatalf("got %s, want a plain JSON string", data)
	}
	var got Value
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.String() != "hello" {
		t.Fatalf("got %q", got.String())
	}
}

func TestValueRoundTripRawBytes(t *testing.T) {
	raw := []byte{0xff, 0xfe, 'x'}
	v := New(raw)
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var got Value
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if string(got.Bytes()) != string(raw) {
		t.Fatalf("got %v, want %v", got.Bytes(), raw)
	}
}

func TestEnvPairsSplitsOnFirstEquals(t *testing.T) {
	pairs := EnvPairs([]string{"FOO=bar=baz", "EMPTY="})
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs", len(pairs))
	}
	if pairs[0].Key.String() != "FOO" || pairs[0].Value.String() != "bar=baz" {
		t.Fatalf("got %+v", pairs[0])
	}
	if pairs[1].Key.String() != "EMPTY" || pairs[1].Value.String() != "" {
		t.Fatalf("got %+v", pairs[1])
	}
}
