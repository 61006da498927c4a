package dto

import "time"

type CreateAutoRegisterKeyRequest struct {
	Description string `json:"description"`
}

type AutoRegisterKeyResponse struct {
	ID            string     `json:"id"`
	Key           string     `json:"key,omitempty"` // only returned on creation
	Description   string     `json:"description,omitempty"`
	Static        bool       `json:"static"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Registrations int        `json:"registrations"`
}

type ListAutoRegisterKeysResponse struct {
	Keys  []AutoRegisterKeyResponse `json:"keys"`
	Count int                       `json:"count"`
}
