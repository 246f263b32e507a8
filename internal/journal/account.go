package journal

// Account identifies one of the vault's internal double-entry accounts.
// Asset accounts (vault:*) carry positive balances; the external
// counterparty accounts absorb the other leg of every entry so the
// global sum stays zero.
type Account uint8

const (
	AccountUnknown Account = iota

	// AccountVaultIdle is capital held by the vault, not deployed.
	AccountVaultIdle

	// AccountVaultDeployed is the cost basis of open positions.
	AccountVaultDeployed

	// AccountExternalDepositors is the depositors' side of mints/redemptions.
	AccountExternalDepositors

	// AccountExternalMarket absorbs realized gains and losses against
	// the external position market.
	AccountExternalMarket
)

func (a Account) Path() string {
	switch a {
	case AccountVaultIdle:
		return "vault:idle"
	case AccountVaultDeployed:
		return "vault:deployed"
	case AccountExternalDepositors:
		return "external:depositors"
	case AccountExternalMarket:
		return "external:market"
	default:
		return "unknown"
	}
}

// IsVaultAccount reports whether the account must never go negative.
func (a Account) IsVaultAccount() bool {
	return a == AccountVaultIdle || a == AccountVaultDeployed
}
