package normalize

import "strings"

const (
	whatsAppUserSuffix   = "@s.whatsapp.net"
	whatsAppLegacySuffix = "@c.us"
	whatsAppGroupSuffix  = "@g.us"
)

// ExtractPhone returns an E.164 phone number from a provider id such as
// "27820000000@s.whatsapp.net" or "+27 82 000 0000". Group ids and values
// without a plausible number yield "".
func ExtractPhone(providerID string) string {
	s := strings.TrimSpace(providerID)
	if s == "" || strings.HasSuffix(s, whatsAppGroupSuffix) {
		return ""
	}
	s = strings.TrimSuffix(s, whatsAppUserSuffix)
	s = strings.TrimSuffix(s, whatsAppLegacySuffix)
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return ""
	}
	// Multi-device ids carry a ":<device>" suffix
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}

	var digits strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return ""
		}
	}

	d := strings.TrimPrefix(digits.String(), "00")
	if len(d) < 7 || len(d) > 15 {
		return ""
	}
	return "+" + d
}

// IsGroupID reports whether a WhatsApp id names a group chat
func IsGroupID(providerID string) bool {
	return strings.HasSuffix(strings.TrimSpace(providerID), whatsAppGroupSuffix)
}
