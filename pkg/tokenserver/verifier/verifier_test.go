package verifier

import (
	"encoding/base64"
	"testing"
)

func TestParseKeyID(t *testing.T) {
	cs := base64.RawURLEncoding.EncodeToString([]byte("client-state-hash"))

	tests := []struct {
		name    string
		header  string
		wantKCA int64
		wantErr bool
	}{
		{name: "valid", header: "1234-" + cs, wantKCA: 1234},
		{name: "empty", header: "", wantErr: true},
		{name: "missing separator", header: "1234" + cs, wantErr: true},
		{name: "negative kca", header: "-5-" + cs, wantErr: true},
		{name: "non-numeric kca", header: "abc-" + cs, wantErr: true},
		{name: "bad base64", header: "1234-!!!not-b64!!!", wantErr: true},
		{name: "empty client state", header: "1234-", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kca, clientState, err := ParseKeyID(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKeyID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !IsKind(err, KindBadRequest) {
					t.Errorf("expected KindBadRequest, got %v", err)
				}
				return
			}
			if kca != tt.wantKCA {
				t.Errorf("kca = %d, want %d", kca, tt.wantKCA)
			}
			if clientState != cs {
				t.Errorf("clientState = %q, want %q", clientState, cs)
			}
		})
	}
}

func TestWrapRemoteFailure(t *testing.T) {
	tests := []struct {
		reason   string
		wantKind Kind
	}{
		{"token expired", KindInvalidCredentials},
		{"issued later than server time", KindInvalidTimestamp},
		{"invalid signature", KindInvalidCredentials},
	}

	for _, tt := range tests {
		err := wrapRemoteFailure(tt.reason)
		if !IsKind(err, tt.wantKind) {
			t.Errorf("wrapRemoteFailure(%q) kind mismatch, want %v", tt.reason, tt.wantKind)
		}
	}
}
