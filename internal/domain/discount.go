package domain

// DiscountKind identifies a discount variant produced by a rule action.
type DiscountKind string

const (
	DiscountCartFixed       DiscountKind = "cartFixed"
	DiscountCartPercent     DiscountKind = "cartPercent"
	DiscountShippingFixed   DiscountKind = "shippingFixed"
	DiscountShippingPercent DiscountKind = "shippingPercent"
)

// DiscountAccumulator receives discount applications. The accumulator is
// owned by the surrounding checkout service; only this write contract
// matters to the engine.
type DiscountAccumulator interface {
	// Subtotal returns the cart subtotal before discounts.
	Subtotal() float64

	// ShippingCost returns the undiscounted shipping cost.
	ShippingCost() float64

	ApplyCartDiscount(ruleCode string, amount float64)
	ApplyShippingDiscount(ruleCode string, amount float64)
}

// Discount is the single dispatch interface over the discount variants. Rule
// engine query results bind a Discount that knows how to apply itself.
type Discount interface {
	RuleCode() string
	Apply(acc DiscountAccumulator)
}

// FixedAmountDiscount subtracts a fixed amount from the cart subtotal.
type FixedAmountDiscount struct {
	Rule   string
	Amount float64
}

func (d FixedAmountDiscount) RuleCode() string { return d.Rule }

func (d FixedAmountDiscount) Apply(acc DiscountAccumulator) {
	acc.ApplyCartDiscount(d.Rule, d.Amount)
}

// PercentDiscount subtracts a percentage of the cart subtotal.
type PercentDiscount struct {
	Rule    string
	Percent float64
}

func (d PercentDiscount) RuleCode() string { return d.Rule }

func (d PercentDiscount) Apply(acc DiscountAccumulator) {
	acc.ApplyCartDiscount(d.Rule, acc.Subtotal()*d.Percent/100)
}

// ShippingFixedDiscount subtracts a fixed amount from the shipping cost.
type ShippingFixedDiscount struct {
	Rule   string
	Amount float64
}

func (d ShippingFixedDiscount) RuleCode() string { return d.Rule }

func (d ShippingFixedDiscount) Apply(acc DiscountAccumulator) {
	acc.ApplyShippingDiscount(d.Rule, d.Amount)
}

// ShippingPercentDiscount subtracts a percentage of the shipping cost.
type ShippingPercentDiscount struct {
	Rule    string
	Percent float64
}

func (d ShippingPercentDiscount) RuleCode() string { return d.Rule }

func (d ShippingPercentDiscount) Apply(acc DiscountAccumulator) {
	acc.ApplyShippingDiscount(d.Rule, acc.ShippingCost()*d.Percent/100)
}

// DiscountRecord is one applied discount line in a container.
type DiscountRecord struct {
	RuleCode string  `json:"ruleCode"`
	Target   string  `json:"target"` // "cart" or "shipping"
	Amount   float64 `json:"amount"`
}

// DiscountContainer is the standard accumulator implementation used by the
// checkout and browse flows. Cart discounts are capped at the remaining
// subtotal; shipping discounts at the remaining shipping cost.
type DiscountContainer struct {
	subtotal float64
	shipping float64

	cartDiscount     float64
	shippingDiscount float64
	records          []DiscountRecord
}

// NewDiscountContainer creates an accumulator for a cart with the given
// pre-discount subtotal and shipping cost.
func NewDiscountContainer(subtotal, shipping float64) *DiscountContainer {
	return &DiscountContainer{subtotal: subtotal, shipping: shipping}
}

func (c *DiscountContainer) Subtotal() float64 { return c.subtotal }

func (c *DiscountContainer) ShippingCost() float64 { return c.shipping }

func (c *DiscountContainer) ApplyCartDiscount(ruleCode string, amount float64) {
	if amount <= 0 {
		return
	}
	remaining := c.subtotal - c.cartDiscount
	if amount > remaining {
		amount = remaining
	}
	if amount <= 0 {
		return
	}
	c.cartDiscount += amount
	c.records = append(c.records, DiscountRecord{RuleCode: ruleCode, Target: "cart", Amount: amount})
}

func (c *DiscountContainer) ApplyShippingDiscount(ruleCode string, amount float64) {
	if amount <= 0 {
		return
	}
	remaining := c.shipping - c.shippingDiscount
	if amount > remaining {
		amount = remaining
	}
	if amount <= 0 {
		return
	}
	c.shippingDiscount += amount
	c.records = append(c.records, DiscountRecord{RuleCode: ruleCode, Target: "shipping", Amount: amount})
}

// DiscountedSubtotal returns the subtotal after applied cart discounts.
func (c *DiscountContainer) DiscountedSubtotal() float64 {
	return c.subtotal - c.cartDiscount
}

// DiscountedShipping returns the shipping cost after applied shipping
// discounts.
func (c *DiscountContainer) DiscountedShipping() float64 {
	return c.shipping - c.shippingDiscount
}

// TotalDiscount returns the sum of all applied discounts.
func (c *DiscountContainer) TotalDiscount() float64 {
	return c.cartDiscount + c.shippingDiscount
}

// Records returns the applied discount lines in application order.
func (c *DiscountContainer) Records() []DiscountRecord {
	return c.records
}
