package models

import (
	"github.com/cockroachdb/apd/v3"
)

// Invoice is one retail invoice as read from an input file.
// Nullable scalars are pointers; a nil pointer means the field was absent or null.
type Invoice struct {
	InvoiceNumber    string           `json:"InvoiceNumber"`
	CreatedTime      int64            `json:"CreatedTime"`
	StoreID          *string          `json:"StoreID,omitempty"`
	PosID            *string          `json:"PosID,omitempty"`
	CashierID        *string          `json:"CashierID,omitempty"`
	CustomerType     *string          `json:"CustomerType,omitempty"`
	CustomerCardNo   *string          `json:"CustomerCardNo,omitempty"`
	TotalAmount      *apd.Decimal     `json:"TotalAmount,omitempty"`
	NumberOfItems    *int64           `json:"NumberOfItems,omitempty"`
	PaymentMethod    *string          `json:"PaymentMethod,omitempty"`
	CGST             *apd.Decimal     `json:"CGST,omitempty"`
	SGST             *apd.Decimal     `json:"SGST,omitempty"`
	CESS             *apd.Decimal     `json:"CESS,omitempty"`
	DeliveryType     *string          `json:"DeliveryType,omitempty"`
	DeliveryAddress  *DeliveryAddress `json:"DeliveryAddress,omitempty"`
	InvoiceLineItems []LineItem       `json:"InvoiceLineItems"`
}

type DeliveryAddress struct {
	AddressLine   *string `json:"AddressLine,omitempty"`
	City          *string `json:"City,omitempty"`
	State         *string `json:"State,omitempty"`
	PinCode       *string `json:"PinCode,omitempty"`
	ContactNumber *string `json:"ContactNumber,omitempty"`
}

// LineItem is a single entry of an invoice. ItemCode is part of the sink key;
// an absent or null code is stored as the empty string.
type LineItem struct {
	ItemCode        string       `json:"ItemCode"`
	ItemDescription *string      `json:"ItemDescription,omitempty"`
	ItemPrice       *apd.Decimal `json:"ItemPrice,omitempty"`
	ItemQty         *int64       `json:"ItemQty,omitempty"`
	TotalValue      *apd.Decimal `json:"TotalValue,omitempty"`
}

// FlatRow is one line item with the invoice-level and delivery-address
// fields denormalized onto it. It maps 1:1 to a sink table row.
type FlatRow struct {
	InvoiceNumber   string
	CreatedTime     int64
	StoreID         *string
	PosID           *string
	CustomerType    *string
	PaymentMethod   *string
	City            *string
	State           *string
	PinCode         *string
	LineNumber      int
	ItemCode        string
	ItemDescription *string
	ItemPrice       *apd.Decimal
	ItemQty         *int64
	TotalValue      *apd.Decimal
}

// MicroBatch is the unit committed to the sink in one transaction.
type MicroBatch struct {
	BatchID       int64
	Rows          []FlatRow
	SourceFileIDs []string
	SourceFiles   []string
}
