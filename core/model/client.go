package model

// ClientID uniquely identifies a connected client for the session.
type ClientID string

// Client is a connected client asking to be moved to a destination.
type Client struct {
	ID   ClientID
	Name string
	// Server is the destination the client is currently connected to.
	Server string
}

// String returns the display name when known and the identifier otherwise.
func (c Client) String() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.ID)
}
