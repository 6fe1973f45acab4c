package model

import "time"

// Profile is a user's registered identity. Posts are
// created through the profile object, which also lists
// them.
type Profile struct {
	ID        ObjectID
	Owner     Address
	Name      string
	Image     BlobID
	Bio       string
	CreatedAt time.Time
}
