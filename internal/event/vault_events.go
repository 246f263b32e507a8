package event

// Deposited records a completed deposit: assets entered the idle balance
// and shares were minted at the pre-mint share price. IdleAfter is the
// balance as of the deposit itself; the rebalance events logged after it
// carry any deploy that followed.
type Deposited struct {
	Key          string `json:"key"`
	Assets       int64  `json:"assets"`
	SharesMinted int64  `json:"shares_minted"`
	IdleAfter    int64  `json:"idle_after"`
	SharesAfter  int64  `json:"shares_after"`
}

func (d *Deposited) IdempotencyKey() string { return d.Key }
func (d *Deposited) EventType() EventType   { return EventTypeDeposited }

// Redeemed records a completed redemption. AssetsPaid is the target
// amount minus the slippage shortfall absorbed by the redeemer while
// freeing liquidity.
type Redeemed struct {
	Key               string `json:"key"`
	SharesBurned      int64  `json:"shares_burned"`
	AssetsPaid        int64  `json:"assets_paid"`
	ShortfallAbsorbed int64  `json:"shortfall_absorbed"`
	IdleAfter         int64  `json:"idle_after"`
	SharesAfter       int64  `json:"shares_after"`
}

func (r *Redeemed) IdempotencyKey() string { return r.Key }
func (r *Redeemed) EventType() EventType   { return EventTypeRedeemed }

// Rebalanced records a completed rebalance pass: matured positions
// closed into idle, then idle deployed into a new position.
type Rebalanced struct {
	Key             string `json:"key"`
	MaturedClosed   int64  `json:"matured_closed"`
	MaturedProceeds int64  `json:"matured_proceeds"`
	IdleDeployed    int64  `json:"idle_deployed"`
	IdleAfter       int64  `json:"idle_after"`
}

func (r *Rebalanced) IdempotencyKey() string { return r.Key }
func (r *Rebalanced) EventType() EventType   { return EventTypeRebalanced }

// ConfigUpdated records an administrative change to the vault's
// rebalance/redemption parameters.
type ConfigUpdated struct {
	Key                  string `json:"key"`
	SlippageToleranceBps int64  `json:"slippage_tolerance_bps"`
	MaxClosuresPerCall   int64  `json:"max_closures_per_call"`
}

func (c *ConfigUpdated) IdempotencyKey() string { return c.Key }
func (c *ConfigUpdated) EventType() EventType   { return EventTypeConfigUpdated }
