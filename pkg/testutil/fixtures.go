package testutil

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/stratumhq/stratum-backend/internal/system"
)

// FixtureFactory creates test data with unique names. Records and
// metadata travel as plain documents, the same shape the wire uses.
type FixtureFactory struct {
	sequence atomic.Int64
}

// NewFixtureFactory creates a new fixture factory.
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{}
}

func (f *FixtureFactory) nextSeq() int64 {
	return f.sequence.Add(1)
}

// TenantName returns a unique tenant name valid for provisioning.
func (f *FixtureFactory) TenantName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, f.nextSeq())
}

// FilterName returns a unique saved-filter name.
func (f *FixtureFactory) FilterName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, f.nextSeq())
}

// Principal returns a fresh principal at the given access level.
func (f *FixtureFactory) Principal(access string) system.Principal {
	seq := f.nextSeq()
	return system.Principal{
		ID:     uuid.New(),
		Name:   fmt.Sprintf("tester%d", seq),
		Access: access,
	}
}

// ModelDoc builds a models record. Status is left to the engine.
func ModelDoc(name string, opts ...func(map[string]any)) map[string]any {
	doc := map[string]any{"model_name": name}
	for _, opt := range opts {
		opt(doc)
	}
	return doc
}

// FieldDoc builds a fields record.
func FieldDoc(model, field, ftype string, opts ...func(map[string]any)) map[string]any {
	doc := map[string]any{
		"model_name": model,
		"field_name": field,
		"type":       ftype,
	}
	for _, opt := range opts {
		opt(doc)
	}
	return doc
}

// FilterDoc builds a filters record targeting the given model.
func FilterDoc(name, model string, opts ...func(map[string]any)) map[string]any {
	doc := map[string]any{
		"name":       name,
		"model_name": model,
	}
	for _, opt := range opts {
		opt(doc)
	}
	return doc
}

// WithKey sets one document key. Composable with any *Doc builder.
func WithKey(key string, value any) func(map[string]any) {
	return func(doc map[string]any) {
		doc[key] = value
	}
}

// Required marks a field definition required.
func Required() func(map[string]any) {
	return WithKey("required", true)
}

// Tracked marks a field definition tracked in change history.
func Tracked() func(map[string]any) {
	return WithKey("tracked", true)
}

// OrderFieldDocs describes the canonical "orders" test model: a
// required tracked amount, a region and a free-text note.
func OrderFieldDocs(model string) []map[string]any {
	return []map[string]any{
		FieldDoc(model, "amount", "integer", Required(), Tracked()),
		FieldDoc(model, "region", "text"),
		FieldDoc(model, "note", "text"),
	}
}

// OrderDocs builds one order record per amount, regions alternating
// between east and west.
func OrderDocs(amounts ...int) []map[string]any {
	regions := []string{"east", "west"}
	docs := make([]map[string]any, len(amounts))
	for i, amount := range amounts {
		docs[i] = map[string]any{
			"amount": amount,
			"region": regions[i%len(regions)],
		}
	}
	return docs
}
