package id

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Generate returns a 24-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
// Used for session IDs and other opaque identifiers.
func Generate() string {
	id, err := gonanoid.Generate("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", 24)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// UserID returns a random UUID. User identities use UUIDs so their first
// eight characters are hex and can address the user-scoped mount.
func UserID() string {
	return uuid.NewString()
}

// SlotToken returns a 4-character lowercase alphanumeric token used to name
// a bus topic slot. The pool of slots stays small, so collisions are handled
// by the caller retrying on primary-key conflict.
func SlotToken() string {
	tok, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 4)
	if err != nil {
		panic(fmt.Sprintf("generate slot token: %v", err))
	}
	return tok
}
