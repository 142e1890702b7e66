package httpx

import (
	"time"

	"github.com/ariefcatur/go-order-engine/internal/orders"
)

type orderJSON struct {
	ID              string          `json:"id"`
	ExternalID      string          `json:"external_id,omitempty"`
	CustomerID      string          `json:"customer_id"`
	DeliveryAddress string          `json:"delivery_address,omitempty"`
	ContactPhone    string          `json:"contact_phone,omitempty"`
	Status          orders.Status   `json:"status"`
	Total           string          `json:"total"`
	Items           []orderItemJSON `json:"items,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Idempotent      bool            `json:"idempotent,omitempty"`
}

type orderItemJSON struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
}

type historyJSON struct {
	From      orders.Status `json:"from,omitempty"`
	To        orders.Status `json:"to"`
	Actor     string        `json:"actor"`
	Note      string        `json:"note,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type productJSON struct {
	ID     string `json:"id"`
	SKU    string `json:"sku"`
	Name   string `json:"name"`
	Price  string `json:"price"`
	Stock  int    `json:"stock"`
	Active bool   `json:"active"`
}

func orderResp(o orders.Order, idempotent bool) orderJSON {
	out := orderJSON{
		ID:              o.ID,
		ExternalID:      o.ExternalID,
		CustomerID:      o.CustomerID,
		DeliveryAddress: o.DeliveryAddress,
		ContactPhone:    o.ContactPhone,
		Status:          o.Status,
		Total:           o.Total.StringFixed(2),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		Idempotent:      idempotent,
	}
	for _, it := range o.Items {
		out.Items = append(out.Items, orderItemJSON{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
			Subtotal:  it.Subtotal.StringFixed(2),
		})
	}
	return out
}

func historyResp(h orders.StatusHistory) historyJSON {
	return historyJSON{From: h.FromStatus, To: h.ToStatus, Actor: h.Actor, Note: h.Note, CreatedAt: h.CreatedAt}
}

func productResp(p orders.Product) productJSON {
	return productJSON{ID: p.ID, SKU: p.SKU, Name: p.Name, Price: p.Price.StringFixed(2), Stock: p.Stock, Active: p.Active}
}
