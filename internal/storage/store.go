package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/example/ride-dash/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConditionFailed   = errors.New("update condition failed")
	ErrUnsupportedField  = errors.New("unsupported query field")
	ErrSubscriptionEnded = errors.New("subscription closed")
)

// RideStore is the document store holding one record per ride.
type RideStore interface {
	// Create stores a new ride and assigns its id and createdAt.
	Create(ctx context.Context, r *models.Ride) (*models.Ride, error)
	Get(ctx context.Context, id string) (*models.Ride, error)
	// Update merges patch into the ride unconditionally.
	Update(ctx context.Context, id string, patch Patch) error
	// UpdateIf merges patch only when cond holds for the stored ride.
	UpdateIf(ctx context.Context, id string, cond Condition, patch Patch) error
	Query(ctx context.Context, q Query) ([]models.Ride, error)
	// Subscribe delivers the current result of q and again every time it changes.
	// The subscription ends when Close is called or ctx is done.
	Subscribe(ctx context.Context, q Query) (Subscription, error)
}

// UserStore persists user profiles keyed by uid.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	SaveUser(ctx context.Context, u *models.User) error
}

type Subscription interface {
	Updates() <-chan []models.Ride
	Close()
}

// Patch is a partial document keyed by wire field name. A nil value removes
// the field; ServerTimestamp is replaced by the store's clock.
type Patch map[string]any

type serverTimestamp struct{}

// ServerTimestamp marks a patch value the store fills with its own time.
var ServerTimestamp = serverTimestamp{}

// Condition guards UpdateIf. Zero fields are not checked.
type Condition struct {
	Status models.Status
	// StatusIn requires the stored status to be one of the listed ones.
	StatusIn []models.Status
	DriverID string
	Unrated  bool
}

func (c Condition) holds(r *models.Ride) bool {
	if c.Status != "" && r.Status != c.Status {
		return false
	}
	if len(c.StatusIn) > 0 && !slices.Contains(c.StatusIn, r.Status) {
		return false
	}
	if c.DriverID != "" && r.DriverID != c.DriverID {
		return false
	}
	if c.Unrated && r.Rating != nil {
		return false
	}
	return true
}

type Op string

const (
	OpEq Op = "=="
	OpIn Op = "in"
)

// Filter compares a string-valued ride field.
type Filter struct {
	Field  string
	Op     Op
	Values []string
}

func Eq(field, value string) Filter { return Filter{Field: field, Op: OpEq, Values: []string{value}} }

func In(field string, values ...string) Filter {
	return Filter{Field: field, Op: OpIn, Values: values}
}

func StatusIn(statuses ...models.Status) Filter {
	vs := make([]string, len(statuses))
	for i, s := range statuses {
		vs[i] = string(s)
	}
	return In("status", vs...)
}

// Query selects rides matching every Where filter and, when AnyOf is set, at
// least one AnyOf filter.
type Query struct {
	Where      []Filter
	AnyOf      []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

var queryFields = map[string]func(r *models.Ride) string{
	"id":          func(r *models.Ride) string { return r.ID },
	"passengerId": func(r *models.Ride) string { return r.PassengerID },
	"driverId":    func(r *models.Ride) string { return r.DriverID },
	"status":      func(r *models.Ride) string { return string(r.Status) },
}

func (q Query) Validate() error {
	for _, f := range append(append([]Filter{}, q.Where...), q.AnyOf...) {
		if _, ok := queryFields[f.Field]; !ok {
			return fmt.Errorf("%w: %q", ErrUnsupportedField, f.Field)
		}
		if f.Op != OpEq && f.Op != OpIn {
			return fmt.Errorf("unsupported operator %q", f.Op)
		}
		if len(f.Values) == 0 {
			return fmt.Errorf("filter on %q has no values", f.Field)
		}
	}
	if q.OrderBy != "" && q.OrderBy != "createdAt" {
		return fmt.Errorf("%w: order by %q", ErrUnsupportedField, q.OrderBy)
	}
	return nil
}

// Shape is a canonical description of the query, used to key subscriptions.
func (q Query) Shape() string {
	var b strings.Builder
	for _, f := range q.Where {
		fmt.Fprintf(&b, "%s %s %v;", f.Field, f.Op, f.Values)
	}
	if len(q.AnyOf) > 0 {
		b.WriteString("any(")
		for _, f := range q.AnyOf {
			fmt.Fprintf(&b, "%s %s %v;", f.Field, f.Op, f.Values)
		}
		b.WriteString(");")
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Descending {
			dir = "desc"
		}
		fmt.Fprintf(&b, "order %s %s;", q.OrderBy, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, "limit %d", q.Limit)
	}
	return b.String()
}

func (f Filter) match(r *models.Ride) bool {
	v := queryFields[f.Field](r)
	for _, want := range f.Values {
		if v == want {
			return true
		}
	}
	return false
}

func (q Query) match(r *models.Ride) bool {
	for _, f := range q.Where {
		if !f.match(r) {
			return false
		}
	}
	if len(q.AnyOf) == 0 {
		return true
	}
	for _, f := range q.AnyOf {
		if f.match(r) {
			return true
		}
	}
	return false
}

// apply filters, orders and limits rides in place.
func (q Query) apply(rides []models.Ride) []models.Ride {
	out := rides[:0]
	for i := range rides {
		if q.match(&rides[i]) {
			out = append(out, rides[i])
		}
	}
	if q.OrderBy == "createdAt" {
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				if q.Descending {
					return a.CreatedAt.After(b.CreatedAt)
				}
				return a.CreatedAt.Before(b.CreatedAt)
			}
			if q.Descending {
				return a.ID > b.ID
			}
			return a.ID < b.ID
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// ApplyPatch returns r with patch merged in through the document's JSON form, so patches
// use the same field names as the persisted record.
func ApplyPatch(r *models.Ride, patch Patch, now time.Time) (*models.Ride, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		switch v {
		case nil:
			delete(doc, k)
		case ServerTimestamp:
			doc[k] = now
		default:
			doc[k] = v
		}
	}
	raw, err = json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := &models.Ride{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("patch produced invalid ride: %w", err)
	}
	out.ID = r.ID
	return out, nil
}
