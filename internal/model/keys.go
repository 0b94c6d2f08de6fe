package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/maruel/ksid"

	"github.com/weaver/Toji/internal/errors"
)

// Key returns the storage key of a record: "Type/id".
func Key(typeName, id string) string {
	return typeName + "/" + id
}

// ParseKey splits a storage key into its type name and id.
func ParseKey(key string) (typeName, id string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Newf(errors.KindInvalid, "badly formatted key %q", key)
	}
	return parts[0], parts[1], nil
}

// KeyGen generates record ids.
type KeyGen interface {
	NewID() string
}

// KSIDKeys generates time sortable ids.
type KSIDKeys struct{}

func (KSIDKeys) NewID() string { return ksid.NewID().String() }

// UUIDKeys generates random UUIDs.
type UUIDKeys struct{}

func (UUIDKeys) NewID() string { return uuid.NewString() }

// NewKeyGen returns the generator for a strategy name: "ksid" or "uuid".
func NewKeyGen(strategy string) (KeyGen, error) {
	switch strategy {
	case "", "ksid":
		return KSIDKeys{}, nil
	case "uuid":
		return UUIDKeys{}, nil
	}
	return nil, fmt.Errorf("unknown key strategy %q", strategy)
}
