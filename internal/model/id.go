package model

import (
	"crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lexically sortable id with a short type prefix, e.g.
// "wo_01J...". Prefixes keep logs and persisted filenames self-describing.
func NewID(prefix string) string {
	id := ulid.MustNew(ulid.Now(), rand.Reader)
	return prefix + "_" + strings.ToLower(id.String())
}

const (
	IDPrefixWorkOrder = "wo"
	IDPrefixRun       = "run"
	IDPrefixWorkspace = "ws"
	IDPrefixLease     = "lease"
	IDPrefixSandbox   = "sbx"
)
