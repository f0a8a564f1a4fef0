package quota

// Gemini 2.0 Flash pricing, USD.
const (
	inputCostPer1KTokens  = 0.00001875
	outputCostPer1KTokens = 0.0000375
	costPerImage          = 0.0001315
)

// Usage is the measured consumption of one external call.
type Usage struct {
	WorkItemID   string
	InputTokens  int64
	OutputTokens int64
	Images       int
}

// Tokens returns the total token count counted against token windows.
func (u Usage) Tokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Cost returns the dollar cost of the usage.
func (u Usage) Cost() float64 {
	return float64(u.InputTokens)/1000*inputCostPer1KTokens +
		float64(u.OutputTokens)/1000*outputCostPer1KTokens +
		float64(u.Images)*costPerImage
}
