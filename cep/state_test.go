package cep

import "testing"

func TestFlagsHasAndAny(t *testing.T) {
	f := FlagOnClient | FlagDataSent

	if !f.Has(FlagOnClient) {
		t.Error("Has(FlagOnClient) = false, want true")
	}
	if f.Has(FlagOnClient | FlagOnServer) {
		t.Error("Has(FlagOnClient|FlagOnServer) = true, want false")
	}
	if !f.Any(FlagOnServer | FlagDataSent) {
		t.Error("Any(FlagOnServer|FlagDataSent) = false, want true")
	}
	if f.Any(FlagOnServer | FlagFailed) {
		t.Error("Any(FlagOnServer|FlagFailed) = true, want false")
	}
}

func TestFlagsString(t *testing.T) {
	if got := Flags(0).String(); got != "none" {
		t.Errorf("Flags(0).String() = %q, want %q", got, "none")
	}

	f := FlagOnClient | FlagPrivDataPacked
	got := f.String()
	if got != "OnClient|PrivDataPacked" {
		t.Errorf("String() = %q, want %q", got, "OnClient|PrivDataPacked")
	}
}

func TestIsConnected(t *testing.T) {
	cases := []struct {
		f    Flags
		want bool
	}{
		{FlagOnClient, false},
		{FlagOnClient | FlagClientConnectedCBInvoked, true},
		{FlagOnServer | FlagServerNotifyCBInvoked, true},
		{FlagOnServer | FlagServerConnReqCBInvoked, false},
	}
	for _, c := range cases {
		if got := c.f.isConnected(); got != c.want {
			t.Errorf("Flags(%s).isConnected() = %v, want %v", c.f, got, c.want)
		}
	}
}
