// package entities defines the built-in remote record types the engine can sync.
//
// Each [Definition] names the remote endpoints of one record type, the detail
// fields copied into the local header and child rows, and the child policy that
// decides what happens to stored child rows on a re-sync.
package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/services"
	"github.com/desertthunder/ledgersync/internal/tasks"
)

// Definition describes one remote record type.
type Definition struct {
	Name        string
	Description string
	Endpoint    services.Endpoint
	Policy      models.ChildPolicy

	HeaderFields []string // dotted paths copied from the detail payload into the header row
	ChildField   string   // detail field holding the child array; empty when the type has no children
	SeqField     string   // child field holding the line sequence; position is used when absent
	ChildFields  []string // dotted paths copied from each child; all scalar fields when empty
}

func endpoint(resource, numberField string) services.Endpoint {
	return services.Endpoint{
		ListPath:     "/api/" + resource + "/list.do",
		DetailPath:   "/api/" + resource + "/detail.do",
		IDField:      "id",
		NumberField:  numberField,
		VersionField: "optLock",
	}
}

var lineFields = []string{"item.no", "item.name", "itemUnit.name", "warehouse.name", "quantity", "unitPrice", "totalPrice"}

var definitions = []Definition{
	{
		Name:         "sales_invoices",
		Description:  "Sales invoices with their item lines",
		Endpoint:     endpoint("sales-invoice", "number"),
		Policy:       models.ChildReplaceAll,
		HeaderFields: []string{"transDate", "customer.customerNo", "customer.name", "statusName", "totalAmount", "description"},
		ChildField:   "detailItem",
		SeqField:     "seq",
		ChildFields:  lineFields,
	},
	{
		Name:         "sales_orders",
		Description:  "Sales orders with their item lines",
		Endpoint:     endpoint("sales-order", "number"),
		Policy:       models.ChildReplaceAll,
		HeaderFields: []string{"transDate", "customer.customerNo", "customer.name", "statusName", "totalAmount", "shipDate"},
		ChildField:   "detailItem",
		SeqField:     "seq",
		ChildFields:  lineFields,
	},
	{
		Name:         "sales_returns",
		Description:  "Sales returns; lines are merged by sequence",
		Endpoint:     endpoint("sales-return", "number"),
		Policy:       models.ChildMergeBySequence,
		HeaderFields: []string{"transDate", "customer.customerNo", "customer.name", "invoice.number", "totalAmount", "returnType"},
		ChildField:   "detailItem",
		SeqField:     "seq",
		ChildFields:  lineFields,
	},
	{
		Name:         "customers",
		Description:  "Customer master data with contacts",
		Endpoint:     endpoint("customer", "customerNo"),
		Policy:       models.ChildReplaceAll,
		HeaderFields: []string{"customerNo", "name", "email", "mobilePhone", "billStreet", "billCity", "category.name"},
		ChildField:   "detailContact",
		SeqField:     "id",
	},
	{
		Name:         "items",
		Description:  "Item master data",
		Endpoint:     endpoint("item", "no"),
		Policy:       models.ChildReplaceAll,
		HeaderFields: []string{"no", "name", "itemType", "unit1.name", "unitPrice", "itemCategory.name", "suspended"},
	},
	{
		Name:         "stock_mutations",
		Description:  "Stock adjustments; lines are only ever appended",
		Endpoint:     endpoint("item-adjustment", "number"),
		Policy:       models.ChildAppendOnly,
		HeaderFields: []string{"transDate", "adjustmentAccount.name", "description"},
		ChildField:   "detailItem",
		SeqField:     "seq",
		ChildFields:  append([]string{"itemAdjustmentType"}, lineFields...),
	},
}

// All returns every built-in definition in display order.
func All() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Lookup returns the definition called name.
func Lookup(name string) (Definition, bool) {
	for _, d := range definitions {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Map implements [tasks.Mapper].
func (d Definition) Map(ref models.RemoteRecordRef, payload json.RawMessage) (models.Rows, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return models.Rows{}, fmt.Errorf("%s: decode detail: %w", d.Name, err)
	}

	rows := models.Rows{Header: models.HeaderRow{
		DisplayNumber: displayNumber(doc[d.Endpoint.NumberField]),
		VersionToken:  models.ParseVersion(doc[d.Endpoint.VersionField]),
		Fields:        pick(doc, d.HeaderFields),
	}}
	if raw, ok := doc[d.Endpoint.IDField]; ok {
		id, valid := models.ParseID(raw)
		if !valid {
			return models.Rows{}, fmt.Errorf("%s: detail has invalid %s %v", d.Name, d.Endpoint.IDField, raw)
		}
		rows.Header.ExternalID = id
	}

	if d.ChildField == "" {
		return rows, nil
	}

	var children []any
	switch v := doc[d.ChildField].(type) {
	case nil:
	case []any:
		children = v
	default:
		return models.Rows{}, fmt.Errorf("%s: %s is %T, want a list", d.Name, d.ChildField, v)
	}

	for i, c := range children {
		obj, ok := c.(map[string]any)
		if !ok {
			return models.Rows{}, fmt.Errorf("%s: %s[%d] is %T, want an object", d.Name, d.ChildField, i, c)
		}

		seq := int64(i + 1)
		if d.SeqField != "" {
			if n, ok := models.ParseID(obj[d.SeqField]); ok {
				seq = n
			}
		}

		fields := scalars(obj)
		if len(d.ChildFields) > 0 {
			fields = pick(obj, d.ChildFields)
		}
		rows.Children = append(rows.Children, models.ChildRow{Sequence: seq, Fields: fields})
	}
	return rows, nil
}

// Entity binds the definition to a catalog client for the engine.
func (d Definition) Entity(client *services.CatalogClient) tasks.Entity {
	return tasks.Entity{
		Name:        d.Name,
		Description: d.Description,
		Source:      client.Source(d.Endpoint),
		Mapper:      d,
		Policy:      d.Policy,
	}
}

// Register binds every built-in definition to client and registers it with engine.
func Register(engine *tasks.Engine, client *services.CatalogClient) error {
	for _, d := range definitions {
		if err := engine.Register(d.Entity(client)); err != nil {
			return err
		}
	}
	return nil
}

// pick copies the values found at dotted paths. Missing paths are skipped.
func pick(doc map[string]any, paths []string) map[string]any {
	out := make(map[string]any, len(paths))
	for _, p := range paths {
		if v, ok := lookup(doc, p); ok {
			out[p] = v
		}
	}
	return out
}

func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for part := range strings.SplitSeq(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// scalars copies the top-level fields that are not objects or lists.
func scalars(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		out[k] = v
	}
	return out
}

func displayNumber(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
