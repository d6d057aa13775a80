package econ

import "encoding/json"

// SentinelCost marks a failed estimation. An unpriced action is never free:
// the decider maps this to a PRICING_NOT_FOUND denial.
const SentinelCost = -1.0

// DefaultOutputTokens is the output token estimate used when neither the
// request nor the tier configures one.
const DefaultOutputTokens = 500

// Estimate is the cost projection for one request.
type Estimate struct {
	// Cost is the projected spend, or SentinelCost when no tier matched.
	Cost float64
	// TokensIn is the deterministic input token estimate.
	TokensIn int
	// TokensOut is the configured or default output token estimate.
	TokensOut int
	// Currency is taken from the matched tier.
	Currency string
}

// EstimateTokensIn converts tool arguments into an input token count with a
// deterministic heuristic: the JSON byte length divided by four, rounded up.
// Not a real tokenizer; it only needs to be stable and roughly proportional.
func EstimateTokensIn(args map[string]interface{}) int {
	b, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return (len(b) + 3) / 4
}

// EstimateCost projects the cost of a call priced by tier.
// outputTokens overrides the tier's estimate when > 0.
func EstimateCost(tier *PriceTier, args map[string]interface{}, outputTokens int) Estimate {
	if tier == nil {
		return Estimate{Cost: SentinelCost}
	}
	tokensIn := EstimateTokensIn(args)
	tokensOut := outputTokens
	if tokensOut <= 0 {
		tokensOut = tier.OutputEstimate
	}
	if tokensOut <= 0 {
		tokensOut = DefaultOutputTokens
	}
	cost := (float64(tokensIn)/1000.0)*tier.InputPrice +
		(float64(tokensOut)/1000.0)*tier.OutputPrice +
		tier.FlatFee
	return Estimate{
		Cost:      cost,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Currency:  tier.Currency,
	}
}

// RealCost converts actual reported usage into the settled cost.
// Falls back to the estimate's token counts when the upstream reported no
// usage.
func RealCost(tier *PriceTier, est Estimate, tokensIn, tokensOut int) float64 {
	if tier == nil {
		return est.Cost
	}
	if tokensIn <= 0 {
		tokensIn = est.TokensIn
	}
	if tokensOut <= 0 {
		tokensOut = est.TokensOut
	}
	return (float64(tokensIn)/1000.0)*tier.InputPrice +
		(float64(tokensOut)/1000.0)*tier.OutputPrice +
		tier.FlatFee
}
