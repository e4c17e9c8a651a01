package identity

import "time"

// User is a canonical identity spanning all channels.
type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// ChannelIdentity binds one (channel, channel_uid) pair to a canonical user.
// The pair is unique across the catalog and immutable once created, except
// for metadata.
type ChannelIdentity struct {
	ID         string
	UserID     string
	Channel    string
	ChannelUID string
	Metadata   map[string]any
	CreatedAt  time.Time
}
