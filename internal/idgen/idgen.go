// Package idgen generates record identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the ledger. A prefix makes an id self-describing in
// logs and audit entries.
const (
	PrefixToken     = "tok_"
	PrefixPool      = "pool_"
	PrefixProgram   = "prg_"
	PrefixAudit     = "aud_"
	PrefixAlert     = "alr_"
	PrefixVerifyLog = "vrf_"

	PrefixClient       = "cli_"
	PrefixKiosk        = "ksk_"
	PrefixAdmin        = "adm_"
	PrefixEmployee     = "emp_"
	PrefixSupervisor   = "sup_"
	PrefixOrganization = "org_"
	PrefixSession      = "ses_"
	PrefixWallet       = "wal_"
	PrefixTransaction  = "txn_"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Ordered returns a time-ordered UUIDv7 with the given prefix. Audit entries
// use it so the id doubles as a stable sort key for cursor pagination.
func Ordered(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return WithPrefix(prefix)
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}
