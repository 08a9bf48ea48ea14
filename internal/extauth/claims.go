package extauth

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
)

// Roles issued by the extension platform.
const (
	RoleBroadcaster = "broadcaster"
	RoleModerator   = "moderator"
	RoleViewer      = "viewer"
	RoleExternal    = "external"
)

// PubsubPerms lists the PubSub targets a token may listen on or send to.
type PubsubPerms struct {
	Listen []string `json:"listen,omitempty"`
	Send   []string `json:"send,omitempty"`
}

// Claims is the payload of an extension JWT. The known fields are typed; a
// known field carrying the wrong JSON type makes the token invalid. Raw holds
// every claim of a verified token as decoded, unknown ones included.
type Claims struct {
	ChannelID    string       `json:"channel_id"`
	OpaqueUserID string       `json:"opaque_user_id"`
	UserID       string       `json:"user_id,omitempty"`
	Role         string       `json:"role,omitempty"`
	IsUnlinked   bool         `json:"is_unlinked,omitempty"`
	PubsubPerms  *PubsubPerms `json:"pubsub_perms,omitempty"`
	jwt.RegisteredClaims

	Raw map[string]interface{} `json:"-"`
}

// UnmarshalJSON decodes the typed fields and keeps the full claim set in Raw.
func (c *Claims) UnmarshalJSON(data []byte) error {
	type typed Claims
	if err := json.Unmarshal(data, (*typed)(c)); err != nil {
		return err
	}
	return json.Unmarshal(data, &c.Raw)
}
