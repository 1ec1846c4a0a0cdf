package normalize

import (
	"net/mail"
	"strings"
)

// Attendee is a chat or mail participant as reported by the gateway
type Attendee struct {
	ID         string
	ProviderID string
	Name       string
	Email      string
	AvatarURL  string
	ProfileURL string
	Occupation string
	Location   string
	IsSelf     bool
}

// parseAttendee reads the attendee shapes the gateway has used over time
func parseAttendee(p Payload) Attendee {
	if p == nil {
		return Attendee{}
	}
	a := Attendee{
		ID:         p.String("attendee_id", "id"),
		ProviderID: p.String("attendee_provider_id", "provider_id", "identifier", "phone_number", "member_urn"),
		Name:       p.String("attendee_name", "display_name", "name"),
		Email:      p.String("email", "email_address"),
		AvatarURL:  p.String("attendee_profile_picture_url", "profile_picture_url", "avatar_url", "picture_url"),
		ProfileURL: p.String("attendee_profile_url", "profile_url", "public_profile_url"),
		Occupation: p.String("occupation", "headline", "specifics.occupation"),
		Location:   p.String("location", "specifics.location"),
		IsSelf:     p.Bool("is_self") || p.Bool("is_me"),
	}
	if a.Email == "" && strings.Contains(a.ProviderID, "@") && !strings.Contains(a.ProviderID, "@s.whatsapp.net") &&
		!strings.Contains(a.ProviderID, "@g.us") && !strings.Contains(a.ProviderID, "@c.us") {
		a.Email = a.ProviderID
	}
	a.Email = strings.ToLower(a.Email)
	return a
}

// parseAttendees reads an attendee list; string items are mail addresses
func parseAttendees(p Payload, path string) []Attendee {
	v, ok := p.Lookup(path)
	if !ok {
		return nil
	}
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case string, map[string]any:
		items = []any{t}
	default:
		return nil
	}

	out := make([]Attendee, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case map[string]any:
			if a := parseAttendee(t); a != (Attendee{}) {
				out = append(out, a)
			}
		case string:
			out = append(out, parseAddressList(t)...)
		}
	}
	return out
}

// parseAddressList parses "Jane <jane@acme.io>, bob@acme.io"
func parseAddressList(s string) []Attendee {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		if strings.Contains(s, "@") && !strings.ContainsAny(s, " ,<") {
			return []Attendee{{Email: strings.ToLower(s)}}
		}
		return nil
	}
	out := make([]Attendee, 0, len(list))
	for _, addr := range list {
		out = append(out, Attendee{Email: strings.ToLower(addr.Address), Name: addr.Name})
	}
	return out
}

// Phone returns the attendee's phone number, if its provider id carries one
func (a Attendee) Phone() string {
	return ExtractPhone(a.ProviderID)
}

// Same reports whether two attendees denote the same party
func (a Attendee) Same(b Attendee) bool {
	eq := func(x, y string) bool { return x != "" && x == y }
	return eq(a.ID, b.ID) || eq(a.ProviderID, b.ProviderID) || eq(a.Email, b.Email)
}

// IsAccountOwner reports whether the attendee is the connected account itself,
// either flagged by the gateway or matching the account's own identifier.
func IsAccountOwner(a Attendee, accountIdentifier string) bool {
	if a.IsSelf {
		return true
	}
	id := strings.TrimSpace(accountIdentifier)
	if id == "" {
		return false
	}
	if strings.EqualFold(a.Email, id) || a.ProviderID == id {
		return true
	}
	phone := ExtractPhone(id)
	return phone != "" && a.Phone() == phone
}

// Counterpart picks the contact on the other side of a message: the sender
// of an inbound message, else the first attendee that is not the account.
func Counterpart(sender Attendee, attendees []Attendee, outbound bool, accountIdentifier string) Attendee {
	if !outbound && !IsAccountOwner(sender, accountIdentifier) {
		return sender
	}
	for _, a := range attendees {
		if IsAccountOwner(a, accountIdentifier) || a.Same(sender) {
			continue
		}
		return a
	}
	return Attendee{}
}
