package core

// Asset describes a depositable asset.
type Asset struct {
	ID       AssetID
	Symbol   string
	Decimals uint8
}

// GetID returns the asset identifier
func (a Asset) GetID() AssetID { return a.ID }

// GetSymbol returns the ticker symbol of the asset
func (a Asset) GetSymbol() string { return a.Symbol }

// GetDecimals returns the decimal scale of the asset base unit
func (a Asset) GetDecimals() uint8 { return a.Decimals }

// Format renders a base-unit amount of the asset, e.g. "12.5 USDC".
func (a Asset) Format(amount Amount) string {
	return FormatUnits(amount, a.Decimals) + " " + a.Symbol
}
