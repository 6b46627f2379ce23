package domain

// Facts asserted into a rule evaluation session. The session recognizes
// these concrete types when building its activation.

// CartItem is one line item of a cart fact.
type CartItem struct {
	SKU      string  `json:"sku"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// CartFact describes the shopping cart under evaluation.
type CartFact struct {
	StoreCode   string     `json:"storeCode"`
	Currency    string     `json:"currency"`
	Subtotal    float64    `json:"subtotal"`
	Shipping    float64    `json:"shipping"`
	Items       []CartItem `json:"items"`
	CouponCodes []string   `json:"couponCodes,omitempty"`
}

// ItemCount returns the total quantity across line items.
func (f *CartFact) ItemCount() int {
	n := 0
	for _, it := range f.Items {
		n += it.Quantity
	}
	return n
}

// ShopperFact describes the shopper the rules are targeting.
type ShopperFact struct {
	ShopperID string `json:"shopperId"`
	Email     string `json:"email,omitempty"`
	Tags      TagSet `json:"tags,omitempty"`
}

// CatalogFact describes the catalog browsing context.
type CatalogFact struct {
	CatalogCode string `json:"catalogCode"`
	Category    string `json:"category,omitempty"`
}

// SubtotalFact carries the first firing pass's discounted subtotal into the
// subtotal-dependent pass.
type SubtotalFact struct {
	DiscountedSubtotal float64 `json:"discountedSubtotal"`
}
