package helpers

import (
	"strings"

	"github.com/lithammer/shortuuid/v3"
)

// TemporaryIDPrefix marks ids minted on the client before the backend assigned a persisted one.
const TemporaryIDPrefix = "tmp_"

func NewTemporaryID() string {
	return TemporaryIDPrefix + shortuuid.New()
}

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}
