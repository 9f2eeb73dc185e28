package twilio

import (
	"context"
	"testing"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func TestDialerDialUsesDefaults(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	cfg := Config{
		AccountSID: "AC1",
		AuthToken:  "token",
		PublicURL:  "https://example.com",
		VoicePath:  "/voice",
	}
	d := NewDialer(cfg)
	d.client = stub

	sid, err := d.Dial(context.Background(), "0612345678", "+3120123456", "")
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last == nil || stub.last.To == nil || *stub.last.To != "+31612345678" {
		t.Fatalf("expected normalized To param")
	}
	if stub.last.From == nil || *stub.last.From != "+3120123456" {
		t.Fatalf("expected From param")
	}
	if stub.last.Url == nil || *stub.last.Url != "https://example.com/voice" {
		t.Fatalf("expected public voice Url param")
	}
	if stub.last.StatusCallback == nil || *stub.last.StatusCallback != "https://example.com/status" {
		t.Fatalf("expected status callback param")
	}
}

func TestDialerDialUsesOverrideURL(t *testing.T) {
	stub := &stubCreator{sid: "CA999"}
	cfg := Config{AccountSID: "AC1", AuthToken: "token"}
	d := NewDialer(cfg)
	d.client = stub

	override := "https://override.example.com/voice"
	_, err := d.Dial(context.Background(), "+31612345678", "+3120123456", override)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if stub.last == nil || stub.last.Url == nil || *stub.last.Url != override {
		t.Fatalf("expected override url")
	}
}

func TestDialerDialWithOptionsSendDigits(t *testing.T) {
	stub := &stubCreator{sid: "CA777"}
	cfg := Config{AccountSID: "AC1", AuthToken: "token"}
	d := NewDialer(cfg)
	d.client = stub

	_, err := d.DialWithOptions(context.Background(), "+31612345678", "+3120123456", "https://example.com/voice", transports.DialOptions{SendDigits: "W123#"})
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if stub.last == nil || stub.last.SendDigits == nil || *stub.last.SendDigits != "W123#" {
		t.Fatalf("expected SendDigits param")
	}
}

func TestDialerUsesConfiguredFromNumber(t *testing.T) {
	stub := &stubCreator{sid: "CA1"}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token", FromNumber: "0031201234567"})
	d.client = stub

	if _, err := d.Dial(context.Background(), "06 1234 5678", "", "https://example.com/voice"); err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if *stub.last.From != "+31201234567" {
		t.Fatalf("expected configured from number, got %q", *stub.last.From)
	}
}

func TestDialerRejectsMissingCredentials(t *testing.T) {
	d := NewDialer(Config{})
	d.client = &stubCreator{sid: "CA1"}
	if _, err := d.Dial(context.Background(), "+31612345678", "+3120123456", ""); err == nil {
		t.Fatal("expected credentials error")
	}
}

func TestNormalizeNumber(t *testing.T) {
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"0612345678", "+31612345678", true},
		{"06-1234 5678", "+31612345678", true},
		{"0031612345678", "+31612345678", true},
		{"+31 (0)20", "", false},
		{"+14155550100", "+14155550100", true},
		{"31612345678", "+31612345678", true},
		{"", "", false},
		{"06abc", "", false},
		{"061", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeNumber(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("NormalizeNumber(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("NormalizeNumber(%q) expected error, got %q", tc.in, got)
		}
	}
}
