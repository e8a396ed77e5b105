package callback

import (
	"net/url"
	"strings"
)

// Redirect URL parameter names recognised by the extractor.
const (
	KeyCode             = "code"
	KeyTokenHash        = "token_hash"
	KeyToken            = "token"
	KeyType             = "type"
	KeyAccessToken      = "access_token"
	KeyRefreshToken     = "refresh_token"
	KeyError            = "error"
	KeyErrorCode        = "error_code"
	KeyErrorDescription = "error_description"
)

// OTPType enumerates the one-time token flavours the auth backend issues.
type OTPType string

const (
	OTPSignup      OTPType = "signup"
	OTPInvite      OTPType = "invite"
	OTPMagicLink   OTPType = "magiclink"
	OTPRecovery    OTPType = "recovery"
	OTPEmailChange OTPType = "email_change"
	OTPEmail       OTPType = "email"
)

// Valid reports whether t is one of the known token types.
func (t OTPType) Valid() bool {
	switch t {
	case OTPSignup, OTPInvite, OTPMagicLink, OTPRecovery, OTPEmailChange, OTPEmail:
		return true
	}
	return false
}

// Params is the normalized set of authentication parameters carried by a
// redirect. An empty field means the parameter was absent.
type Params struct {
	Code             string
	TokenHash        string
	Token            string
	Type             string
	AccessToken      string
	RefreshToken     string
	Error            string
	ErrorCode        string
	ErrorDescription string
}

// HasError reports whether the upstream reported a failure.
func (p Params) HasError() bool {
	return p.Error != "" || p.ErrorCode != "" || p.ErrorDescription != ""
}

// ErrorMessage returns the most specific upstream error text.
func (p Params) ErrorMessage() string {
	switch {
	case p.ErrorDescription != "":
		return p.ErrorDescription
	case p.ErrorCode != "":
		return p.ErrorCode
	case p.Error != "":
		return p.Error
	default:
		return "Unable to sign in."
	}
}

// Empty reports whether no parameter is set.
func (p Params) Empty() bool {
	return p == Params{}
}

// Extract parses the query and fragment of rawURL. Values from the query
// string win over the fragment for the same key. Malformed input never
// fails; unknown or missing keys simply stay empty.
func Extract(rawURL string) Params {
	hashIndex := strings.IndexByte(rawURL, '#')
	queryEnd := len(rawURL)
	if hashIndex >= 0 {
		queryEnd = hashIndex
	}

	query := ""
	if queryIndex := strings.IndexByte(rawURL, '?'); queryIndex >= 0 && queryIndex < queryEnd {
		query = rawURL[queryIndex+1 : queryEnd]
	}
	fragment := ""
	if hashIndex >= 0 {
		fragment = rawURL[hashIndex+1:]
	}

	queryParams := parseSegment(query)
	fragmentParams := parseSegment(fragment)

	get := func(key string) string {
		if v, ok := queryParams[key]; ok {
			return v
		}
		return fragmentParams[key]
	}

	return Params{
		Code:             get(KeyCode),
		TokenHash:        get(KeyTokenHash),
		Token:            get(KeyToken),
		Type:             get(KeyType),
		AccessToken:      get(KeyAccessToken),
		RefreshToken:     get(KeyRefreshToken),
		Error:            get(KeyError),
		ErrorCode:        get(KeyErrorCode),
		ErrorDescription: get(KeyErrorDescription),
	}
}

// FromRoute builds Params from route parameters delivered by platform
// navigation. Only the first value of a repeated key is used.
func FromRoute(values map[string][]string) Params {
	pick := func(key string) string {
		if vs := values[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	return Params{
		Code:             pick(KeyCode),
		TokenHash:        pick(KeyTokenHash),
		Token:            pick(KeyToken),
		Type:             pick(KeyType),
		AccessToken:      pick(KeyAccessToken),
		RefreshToken:     pick(KeyRefreshToken),
		Error:            pick(KeyError),
		ErrorCode:        pick(KeyErrorCode),
		ErrorDescription: pick(KeyErrorDescription),
	}
}

func parseSegment(segment string) map[string]string {
	params := make(map[string]string)
	if segment == "" {
		return params
	}
	for _, pair := range strings.Split(segment, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key := decodeComponent(rawKey)
		if key == "" {
			continue
		}
		params[key] = decodeComponent(rawValue)
	}
	return params
}

// decodeComponent percent-decodes s with '+' as space, keeping the raw text
// when the escape sequence is malformed.
func decodeComponent(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}
