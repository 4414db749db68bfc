package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrWorldNotFound,
		ErrNotCached,
		ErrNoTarget,
		ErrBadRequest,
		ErrNoPermission,
		ErrRateLimit,
		ErrBusy,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestDecodeBase(t *testing.T) {
	m, err := DecodeBase([]byte(`{"type":"ISSUE","protocol_version":"1.0","req_id":"r1","world":"w"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != TypeIssue || m.ReqID != "r1" || m.ProtocolVersion != Version {
		t.Fatalf("base=%+v", m)
	}
	if _, err := DecodeBase([]byte(`{`)); err == nil {
		t.Fatalf("expected error on truncated json")
	}
}
