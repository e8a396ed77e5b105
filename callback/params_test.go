package callback

import "testing"

func TestExtractQueryCodeOnly(t *testing.T) {
	got := Extract("gatherer://auth/callback?code=abc123")
	want := Params{Code: "abc123"}
	if got != want {
		t.Fatalf("Extract mismatch: got %+v want %+v", got, want)
	}
}

func TestExtractPrefersQueryOverFragment(t *testing.T) {
	got := Extract("https://app.example.com/auth/callback?code=fromquery&type=magiclink#code=fromhash&token_hash=h1")
	if got.Code != "fromquery" {
		t.Fatalf("expected query value to win, got %q", got.Code)
	}
	if got.TokenHash != "h1" {
		t.Fatalf("expected fragment fallback for token_hash, got %q", got.TokenHash)
	}
	if got.Type != "magiclink" {
		t.Fatalf("type mismatch: %q", got.Type)
	}
}

func TestExtractEmptyQueryValueStillWins(t *testing.T) {
	got := Extract("https://app/cb?code=#code=fromhash")
	if got.Code != "" {
		t.Fatalf("present-but-empty query key should shadow fragment, got %q", got.Code)
	}
}

func TestExtractFragmentTokens(t *testing.T) {
	got := Extract("https://app/cb#access_token=A&refresh_token=B&token_type=bearer")
	if got.AccessToken != "A" || got.RefreshToken != "B" {
		t.Fatalf("fragment tokens mismatch: %+v", got)
	}
	if got.Code != "" || got.Token != "" {
		t.Fatalf("unexpected fields populated: %+v", got)
	}
}

func TestExtractQuestionMarkInsideFragmentIsNotQuery(t *testing.T) {
	got := Extract("https://app/cb#error=access_denied&next=/x?code=nope")
	if got.Error != "access_denied" {
		t.Fatalf("error mismatch: %q", got.Error)
	}
	if got.Code != "" {
		t.Fatalf("query delimiter after '#' must be ignored, got code %q", got.Code)
	}
}

func TestExtractDecodesPlusAndPercent(t *testing.T) {
	got := Extract("https://app/cb?error_description=Email+link+is+invalid%20or%20has+expired")
	want := "Email link is invalid or has expired"
	if got.ErrorDescription != want {
		t.Fatalf("decode mismatch: got %q want %q", got.ErrorDescription, want)
	}
}

func TestExtractLastWriteWinsWithinSpan(t *testing.T) {
	got := Extract("https://app/cb?code=first&code=second")
	if got.Code != "second" {
		t.Fatalf("expected last value, got %q", got.Code)
	}
}

func TestExtractSkipsMalformedPairs(t *testing.T) {
	got := Extract("https://app/cb?=orphan&&code&type=signup&token=%zz")
	if got.Code != "" {
		t.Fatalf("bare key should decode to empty value, got %q", got.Code)
	}
	if got.Type != "signup" {
		t.Fatalf("type mismatch: %q", got.Type)
	}
	if got.Token != "%zz" {
		t.Fatalf("malformed escape should be kept raw, got %q", got.Token)
	}
}

func TestExtractNoParams(t *testing.T) {
	if got := Extract("gatherer://auth/callback"); !got.Empty() {
		t.Fatalf("expected empty params, got %+v", got)
	}
	if got := Extract(""); !got.Empty() {
		t.Fatalf("expected empty params for empty url, got %+v", got)
	}
}

func TestFromRouteTakesFirstValue(t *testing.T) {
	got := FromRoute(map[string][]string{
		"token_hash": {"h1", "h2"},
		"type":       {"recovery"},
		"code":       {},
	})
	if got.TokenHash != "h1" || got.Type != "recovery" || got.Code != "" {
		t.Fatalf("route params mismatch: %+v", got)
	}
}

func TestParamsErrorMessagePreference(t *testing.T) {
	cases := []struct {
		params Params
		want   string
	}{
		{Params{Error: "e", ErrorCode: "c", ErrorDescription: "d"}, "d"},
		{Params{Error: "e", ErrorCode: "c"}, "c"},
		{Params{Error: "e"}, "e"},
	}
	for _, tc := range cases {
		if got := tc.params.ErrorMessage(); got != tc.want {
			t.Fatalf("ErrorMessage(%+v) = %q, want %q", tc.params, got, tc.want)
		}
	}
}

func TestOTPTypeValid(t *testing.T) {
	for _, typ := range []OTPType{OTPSignup, OTPInvite, OTPMagicLink, OTPRecovery, OTPEmailChange, OTPEmail} {
		if !typ.Valid() {
			t.Fatalf("expected %q to be valid", typ)
		}
	}
	if OTPType("sms").Valid() {
		t.Fatalf("unexpected valid type")
	}
}
