package etl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/BartekS5/invoice-ingest/pkg/models"
	"github.com/BartekS5/invoice-ingest/pkg/utils"
	"github.com/cockroachdb/apd/v3"
)

// Limits shared by every sink dialect. Values beyond them cannot be stored
// exactly (or at all) in the SQL Server schema, so they are rejected here
// and quarantined instead of failing the batch commit.
const (
	MaxKeyLength            = 200
	MaxDecimalScale         = 18
	MaxDecimalIntegerDigits = 20
)

// Validator enforces the invoice shape. It is stateless and safe for
// concurrent use.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate decodes one raw JSON record and checks it.
func (v *Validator) Validate(raw json.RawMessage) (*models.Invoice, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Fields: []FieldError{{Field: "$", Reason: err.Error()}}}
	}
	obj, err := utils.ConvertToObject(doc)
	if err != nil {
		return nil, &ValidationError{Fields: []FieldError{{Field: "$", Reason: err.Error()}}}
	}
	return v.ValidateDocument(obj)
}

// ValidateDocument checks a decoded record (numbers as json.Number) and
// returns a typed Invoice, or a ValidationError naming every failed field.
func (v *Validator) ValidateDocument(doc map[string]interface{}) (*models.Invoice, error) {
	c := &checker{doc: doc}
	inv := &models.Invoice{}

	inv.InvoiceNumber = c.requiredString("InvoiceNumber")
	c.maxLength("InvoiceNumber", inv.InvoiceNumber, MaxKeyLength)
	inv.CreatedTime = c.requiredPositiveInt("CreatedTime")

	inv.StoreID = c.optionalString(doc, "StoreID", "StoreID")
	inv.PosID = c.optionalString(doc, "PosID", "PosID")
	inv.CashierID = c.optionalString(doc, "CashierID", "CashierID")
	inv.CustomerType = c.optionalString(doc, "CustomerType", "CustomerType")
	inv.CustomerCardNo = c.optionalString(doc, "CustomerCardNo", "CustomerCardNo")
	inv.PaymentMethod = c.optionalString(doc, "PaymentMethod", "PaymentMethod")
	inv.DeliveryType = c.optionalString(doc, "DeliveryType", "DeliveryType")

	inv.TotalAmount = c.optionalDecimal(doc, "TotalAmount", "TotalAmount")
	inv.CGST = c.optionalDecimal(doc, "CGST", "CGST")
	inv.SGST = c.optionalDecimal(doc, "SGST", "SGST")
	inv.CESS = c.optionalDecimal(doc, "CESS", "CESS")
	inv.NumberOfItems = c.optionalInt(doc, "NumberOfItems", "NumberOfItems")

	inv.DeliveryAddress = c.deliveryAddress()
	inv.InvoiceLineItems = c.lineItems()

	if len(c.errs) > 0 {
		return nil, &ValidationError{Fields: c.errs}
	}
	return inv, nil
}

// checker accumulates field errors instead of stopping at the first one.
type checker struct {
	doc  map[string]interface{}
	errs []FieldError
}

func (c *checker) fail(field, reason string) {
	c.errs = append(c.errs, FieldError{Field: field, Reason: reason})
}

func (c *checker) requiredString(key string) string {
	val, ok := c.doc[key]
	if !ok || val == nil {
		c.fail(key, "required field is missing")
		return ""
	}
	s, err := utils.ConvertToString(val)
	if err != nil {
		c.fail(key, err.Error())
		return ""
	}
	if s == "" {
		c.fail(key, "must not be empty")
	}
	return s
}

func (c *checker) requiredPositiveInt(key string) int64 {
	val, ok := c.doc[key]
	if !ok || val == nil {
		c.fail(key, "required field is missing")
		return 0
	}
	i, err := utils.ConvertToInt64(val)
	if err != nil {
		c.fail(key, err.Error())
		return 0
	}
	if i <= 0 {
		c.fail(key, fmt.Sprintf("must be positive, got %d", i))
	}
	return i
}

func (c *checker) optionalString(obj map[string]interface{}, key, path string) *string {
	val, ok := obj[key]
	if !ok || val == nil {
		return nil
	}
	s, err := utils.ConvertToString(val)
	if err != nil {
		c.fail(path, err.Error())
		return nil
	}
	return &s
}

func (c *checker) optionalInt(obj map[string]interface{}, key, path string) *int64 {
	val, ok := obj[key]
	if !ok || val == nil {
		return nil
	}
	i, err := utils.ConvertToInt64(val)
	if err != nil {
		c.fail(path, err.Error())
		return nil
	}
	return &i
}

func (c *checker) optionalDecimal(obj map[string]interface{}, key, path string) *apd.Decimal {
	val, ok := obj[key]
	if !ok || val == nil {
		return nil
	}
	d, err := utils.ConvertToDecimal(val)
	if err != nil {
		c.fail(path, err.Error())
		return nil
	}
	var reduced apd.Decimal
	reduced.Reduce(d)
	if scale := -int64(reduced.Exponent); scale > MaxDecimalScale {
		c.fail(path, fmt.Sprintf("more than %d fractional digits", MaxDecimalScale))
		return nil
	}
	if digits := reduced.NumDigits() + int64(reduced.Exponent); !reduced.IsZero() && digits > MaxDecimalIntegerDigits {
		c.fail(path, fmt.Sprintf("more than %d integer digits", MaxDecimalIntegerDigits))
		return nil
	}
	return d
}

func (c *checker) maxLength(path, s string, max int) {
	if n := utf8.RuneCountInString(s); n > max {
		c.fail(path, fmt.Sprintf("longer than %d characters", max))
	}
}

func (c *checker) deliveryAddress() *models.DeliveryAddress {
	val, ok := c.doc["DeliveryAddress"]
	if !ok || val == nil {
		return nil
	}
	obj, err := utils.ConvertToObject(val)
	if err != nil {
		c.fail("DeliveryAddress", err.Error())
		return nil
	}
	return &models.DeliveryAddress{
		AddressLine:   c.optionalString(obj, "AddressLine", "DeliveryAddress.AddressLine"),
		City:          c.optionalString(obj, "City", "DeliveryAddress.City"),
		State:         c.optionalString(obj, "State", "DeliveryAddress.State"),
		PinCode:       c.optionalString(obj, "PinCode", "DeliveryAddress.PinCode"),
		ContactNumber: c.optionalString(obj, "ContactNumber", "DeliveryAddress.ContactNumber"),
	}
}

func (c *checker) lineItems() []models.LineItem {
	val, ok := c.doc["InvoiceLineItems"]
	if !ok || val == nil {
		c.fail("InvoiceLineItems", "required field is missing")
		return nil
	}
	arr, err := utils.ConvertToArray(val)
	if err != nil {
		c.fail("InvoiceLineItems", err.Error())
		return nil
	}

	items := make([]models.LineItem, 0, len(arr))
	for i, el := range arr {
		prefix := fmt.Sprintf("InvoiceLineItems[%d]", i)
		obj, err := utils.ConvertToObject(el)
		if err != nil {
			c.fail(prefix, err.Error())
			continue
		}

		var item models.LineItem
		if code := c.optionalString(obj, "ItemCode", prefix+".ItemCode"); code != nil {
			c.maxLength(prefix+".ItemCode", *code, MaxKeyLength)
			item.ItemCode = *code
		}
		item.ItemDescription = c.optionalString(obj, "ItemDescription", prefix+".ItemDescription")
		item.ItemPrice = c.optionalDecimal(obj, "ItemPrice", prefix+".ItemPrice")
		item.ItemQty = c.optionalInt(obj, "ItemQty", prefix+".ItemQty")
		item.TotalValue = c.optionalDecimal(obj, "TotalValue", prefix+".TotalValue")
		items = append(items, item)
	}
	return items
}
