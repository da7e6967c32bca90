package models

// User is the profile of one device, including the local device's own record.
type User struct {
	PeerID      string `json:"peerId" validate:"required"`
	ColorARGB   int64  `json:"colorArgb"`
	DeviceName  string `json:"deviceName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarID    string `json:"avatar,omitempty"`
}

// Name returns the best human-readable label for the user.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.DeviceName != "" {
		return u.DeviceName
	}
	return u.PeerID
}
