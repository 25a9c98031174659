package etl

import (
	"github.com/BartekS5/invoice-ingest/pkg/models"
)

// Flattener expands an invoice into one row per line item.
type Flattener struct{}

func NewFlattener() *Flattener {
	return &Flattener{}
}

// Flatten returns len(inv.InvoiceLineItems) rows in line-item order. Invoice
// and delivery-address fields are copied onto every row; a nil address
// yields nil City, State and PinCode. Values are passed through untouched.
func (f *Flattener) Flatten(inv *models.Invoice) []models.FlatRow {
	if inv == nil || len(inv.InvoiceLineItems) == 0 {
		return nil
	}

	var city, state, pin *string
	if addr := inv.DeliveryAddress; addr != nil {
		city, state, pin = addr.City, addr.State, addr.PinCode
	}

	rows := make([]models.FlatRow, len(inv.InvoiceLineItems))
	for i, item := range inv.InvoiceLineItems {
		rows[i] = models.FlatRow{
			InvoiceNumber:   inv.InvoiceNumber,
			CreatedTime:     inv.CreatedTime,
			StoreID:         inv.StoreID,
			PosID:           inv.PosID,
			CustomerType:    inv.CustomerType,
			PaymentMethod:   inv.PaymentMethod,
			City:            city,
			State:           state,
			PinCode:         pin,
			LineNumber:      i + 1,
			ItemCode:        item.ItemCode,
			ItemDescription: item.ItemDescription,
			ItemPrice:       item.ItemPrice,
			ItemQty:         item.ItemQty,
			TotalValue:      item.TotalValue,
		}
	}
	return rows
}
