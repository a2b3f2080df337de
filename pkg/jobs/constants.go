package jobs

import "github.com/muxminus/stemd/pkg/ledger"

const (
	costSeparationTenths ledger.AmountTenths = 10
	costPipelineTenths   ledger.AmountTenths = 20

	// DefaultPerAccountLimit caps jobs in {pending, processing} per account.
	DefaultPerAccountLimit = 5

	// DefaultListLimit bounds user-facing listings.
	DefaultListLimit = 50

	maxErrorDetailLength = 500
)
