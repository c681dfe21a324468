package protocol_test

import (
	"errors"
	"testing"

	"github.com/a-essam23/go-relay/pkg/protocol"
)

func TestValidateTextContent(t *testing.T) {
	if err := protocol.ValidateContent(protocol.KindText, []byte(`"hello"`), 1024); err != nil {
		t.Errorf("valid text rejected: %v", err)
	}
	if err := protocol.ValidateContent(protocol.KindText, []byte(`"   "`), 1024); err == nil {
		t.Error("blank text accepted")
	}
	if err := protocol.ValidateContent(protocol.KindText, []byte(`{"not":"a string"}`), 1024); err == nil {
		t.Error("non-string text accepted")
	}
}

func TestValidateContentSizeLimit(t *testing.T) {
	big := []byte(`"` + string(make([]byte, 64)) + `"`)
	err := protocol.ValidateContent(protocol.KindText, big, 16)
	if !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Fatalf("oversized content: got %v, want ErrInvalidPayload", err)
	}
}

func TestValidateMediaContent(t *testing.T) {
	ok := []byte(`{"url":"https://cdn.example.com/a.png","mime":"image/png"}`)
	if err := protocol.ValidateContent(protocol.KindMedia, ok, 1024); err != nil {
		t.Errorf("valid media-reference rejected: %v", err)
	}
	if err := protocol.ValidateContent(protocol.KindMedia, []byte(`{"mime":"image/png"}`), 1024); err == nil {
		t.Error("media-reference without url accepted")
	}
	if err := protocol.ValidateContent(protocol.KindMedia, []byte(`{"url":"ftp://x"}`), 1024); err == nil {
		t.Error("non-http media url accepted")
	}
}

func TestValidateSystemContent(t *testing.T) {
	if err := protocol.ValidateContent(protocol.KindSystem, []byte(`{"ref":"msg-1","action":"edit"}`), 1024); err != nil {
		t.Errorf("valid system content rejected: %v", err)
	}
	if err := protocol.ValidateContent(protocol.KindSystem, []byte(`{"action":"edit"}`), 1024); err == nil {
		t.Error("system content without ref accepted")
	}
}

func TestValidateUnknownKind(t *testing.T) {
	err := protocol.ValidateContent(protocol.Kind("carrier-pigeon"), []byte(`"hi"`), 1024)
	if !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Fatalf("unknown kind: got %v, want ErrInvalidPayload", err)
	}
}

func TestValidateEmptyContent(t *testing.T) {
	if err := protocol.ValidateContent(protocol.KindText, nil, 1024); err == nil {
		t.Error("empty content accepted")
	}
}
