package domain

import "time"

// DeviceKey is the public half of one device's key pair. Private keys never
// reach the server.
type DeviceKey struct {
	UserID      string    `json:"userId"`
	DeviceID    string    `json:"deviceId"`
	PublicKey   []byte    `json:"publicKey"`
	Fingerprint string    `json:"fingerprint"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (k DeviceKey) PayloadKey() PayloadKey {
	return PayloadKey{UserID: k.UserID, DeviceID: k.DeviceID}
}
