package invoker

import (
	"sync/atomic"

	"github.com/pario-ai/tenantgate/pkg/models"
)

// Pricing is a model price table that can be swapped while in use.
type Pricing struct {
	table atomic.Pointer[map[string]models.ModelPricing]
}

// NewPricing creates a table from prices.
func NewPricing(prices []models.ModelPricing) *Pricing {
	p := &Pricing{}
	p.Update(prices)
	return p
}

// Update replaces the whole table atomically.
func (p *Pricing) Update(prices []models.ModelPricing) {
	m := make(map[string]models.ModelPricing, len(prices))
	for _, mp := range prices {
		m[mp.Model] = mp
	}
	p.table.Store(&m)
}

// Price returns the price of model.
func (p *Pricing) Price(model string) (models.ModelPricing, bool) {
	mp, ok := (*p.table.Load())[model]
	return mp, ok
}

// Cost prices token counts for model. Unknown models cost nothing; callers
// that bill check Price first.
func (p *Pricing) Cost(model string, promptTokens, completionTokens int) float64 {
	mp, ok := p.Price(model)
	if !ok {
		return 0
	}
	return mp.Cost(promptTokens, completionTokens)
}
