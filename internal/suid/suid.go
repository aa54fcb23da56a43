// Package suid generates the short ids that label connections in logs.
package suid

import (
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// SUID is a base57 encoded UUID.
type SUID string

func New() SUID { return FromUUID(uuid.New()) }

func FromUUID(u uuid.UUID) SUID { return SUID(shortuuid.DefaultEncoder.Encode(u)) }

func Parse(s string) (SUID, error) {
	if _, err := shortuuid.DefaultEncoder.Decode(s); err != nil {
		return "", err
	}
	return SUID(s), nil
}

func (s SUID) UUID() (uuid.UUID, error) { return shortuuid.DefaultEncoder.Decode(string(s)) }

func (s SUID) String() string { return string(s) }
