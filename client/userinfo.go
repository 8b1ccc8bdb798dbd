package client

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"

	"oidcrp/attrpath"
)

// Profile is the application's view of a provider account.
type Profile struct {
	Subject string
	Name    string
	Email   string
	Role    string
}

// GetUserProfile calls the userinfo endpoint and maps the response through
// the configured attribute paths. The response subject must equal
// expectedSubject.
func (c *Client) GetUserProfile(ctx context.Context, accessToken, expectedSubject string) (*Profile, error) {
	ctx = c.context(ctx)
	info, err := c.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	if info.Subject == "" || info.Subject != expectedSubject {
		return nil, ErrSubjectMismatch
	}

	var raw json.RawMessage
	if err := info.Claims(&raw); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	doc, err := attrpath.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return c.profileFrom(info.Subject, doc), nil
}

func (c *Client) profileFrom(sub string, doc attrpath.Value) *Profile {
	p := &Profile{Subject: sub}
	p.Name, _ = c.name.SearchString(doc)
	p.Email, _ = c.email.SearchString(doc)
	p.Role, _ = c.role.SearchString(doc)
	return p
}
