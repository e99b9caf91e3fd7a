package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// WidgetTypeProductList marks the widget carrying the page's product grid.
const WidgetTypeProductList = "PRODUCT_LIST"

// FlexInt decodes a JSON number or a numeric string. The listing endpoint
// returns offsets as numbers on some surfaces and strings on others.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("flexint: parse %q: %w", s, err)
		}
		*f = FlexInt(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}

// Int64 returns the decoded value.
func (f FlexInt) Int64() int64 { return int64(f) }

// ListingEnvelope is the top-level shape of a category-listing response.
// StatusCode and Stack only appear on error envelopes.
type ListingEnvelope struct {
	StatusCode string       `json:"statusCode,omitempty"`
	StatusMsg  string       `json:"statusMessage,omitempty"`
	Stack      string       `json:"stack,omitempty"`
	Data       *ListingData `json:"data,omitempty"`
}

// ListingData is the delivered page content: the sidebar taxonomy, the
// widget list, and the pagination hints.
type ListingData struct {
	Categories []SidebarCategory `json:"categories,omitempty"`
	Filters    []SidebarFilter   `json:"filters,omitempty"`
	Widgets    []Widget          `json:"widgets,omitempty"`
	// HasMore is a pointer so an absent field (rendered initial state omits
	// it) is distinguishable from an explicit false.
	HasMore    *bool   `json:"hasMore,omitempty"`
	Offset     FlexInt `json:"offset,omitempty"`
	PageNo     FlexInt `json:"pageNo,omitempty"`
	TotalItems int     `json:"totalItems,omitempty"`
}

// Empty reports whether the container carries no taxonomy and no widgets,
// the structural signature of a throttled-but-200 response.
func (d *ListingData) Empty() bool {
	if d == nil {
		return true
	}
	return len(d.Categories) == 0 && len(d.Filters) == 0 && len(d.Widgets) == 0
}

// HasMorePages resolves the pagination hint: the explicit flag when present,
// otherwise whether the page delivered any products.
func (d *ListingData) HasMorePages() bool {
	if d == nil {
		return false
	}
	if d.HasMore != nil {
		return *d.HasMore
	}
	return d.ProductCount() > 0
}

// ProductCount sums the product items across all PRODUCT_LIST widgets.
func (d *ListingData) ProductCount() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, w := range d.Widgets {
		if w.WidgetInfo.WidgetType != WidgetTypeProductList {
			continue
		}
		items, err := w.Products()
		if err != nil {
			continue
		}
		n += len(items)
	}
	return n
}

// SidebarCategory is a related-category reference from the listing sidebar.
type SidebarCategory struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	ProductCount int    `json:"productCount"`
}

// SidebarFilter is a filter chip attached to the current category.
type SidebarFilter struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	FilterType   string `json:"type"`
	ProductCount int    `json:"productCount"`
}

// WidgetInfo carries the widget's type discriminator.
type WidgetInfo struct {
	WidgetType string `json:"widgetType"`
	Title      string `json:"title,omitempty"`
}

// Widget is one section of the listing page. Data is kept raw because only
// PRODUCT_LIST widgets have a shape this engine interprets.
type Widget struct {
	WidgetInfo WidgetInfo      `json:"widgetInfo"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Products decodes the widget body as a product array. Only meaningful for
// PRODUCT_LIST widgets.
func (w Widget) Products() ([]ProductItem, error) {
	if len(w.Data) == 0 {
		return nil, nil
	}
	var items []ProductItem
	if err := json.Unmarshal(w.Data, &items); err != nil {
		return nil, fmt.Errorf("widget products: %w", err)
	}
	return items, nil
}

// ProductItem is one product card in a PRODUCT_LIST widget.
type ProductItem struct {
	ProductID     string      `json:"product_id"`
	DisplayName   string      `json:"display_name"`
	Brand         string      `json:"brand,omitempty"`
	BrandID       string      `json:"brand_id,omitempty"`
	Category      string      `json:"category,omitempty"`
	SuperCategory string      `json:"super_category,omitempty"`
	Variations    []Variation `json:"variations,omitempty"`
}

// VariationPrice is the price block on a variation.
type VariationPrice struct {
	MRP        *float64 `json:"mrp,omitempty"`
	StorePrice *float64 `json:"store_price,omitempty"`
	OfferPrice *float64 `json:"offer_price,omitempty"`
	UnitLevel  string   `json:"unit_level_price,omitempty"`
}

// Variation is one purchasable SKU of a product.
type Variation struct {
	ID            string         `json:"id"`
	DisplayName   string         `json:"display_name,omitempty"`
	NameNoBrand   string         `json:"product_name_without_brand,omitempty"`
	Brand         string         `json:"brand,omitempty"`
	BrandID       string         `json:"brand_id,omitempty"`
	Quantity      string         `json:"quantity,omitempty"`
	SKUComboCount int            `json:"sku_quantity_with_combo,omitempty"`
	UnitOfMeasure string         `json:"unit_of_measure,omitempty"`
	Images        []string       `json:"images,omitempty"`
	Price         VariationPrice `json:"price"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// ParseListing decodes a raw page payload into the listing envelope.
func ParseListing(payload []byte) (*ListingEnvelope, error) {
	var env ListingEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	return &env, nil
}
