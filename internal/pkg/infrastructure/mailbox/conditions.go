package mailbox

import (
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type ConditionFunc func(*Condition) *Condition

// Condition narrows a query. The same condition serves two sides of the
// system: Where/NamedArgs render it as SQL for bulk queries, and Matches
// re-evaluates it against a single record on the client, because the change
// feed's filter granularity (entity + tenant) is coarser than a view's full
// predicate.
type Condition struct {
	ID       string
	Tenant   string
	DeviceID string
	Types    []string
	Status   string
	Name     string

	CreatedAfter  time.Time
	CreatedBefore time.Time

	sortBy    string
	sortOrder string

	offset *int
	limit  *int
}

func NewCondition(conditions ...ConditionFunc) *Condition {
	c := &Condition{}
	for _, f := range conditions {
		f(c)
	}
	return c
}

func (c Condition) Where() string {
	where := []string{}

	if c.ID != "" {
		where = append(where, "id = @id")
	}
	if c.Tenant != "" {
		where = append(where, "tenant = @tenant")
	}
	if c.DeviceID != "" {
		where = append(where, "device_id = @device_id")
	}
	if len(c.Types) == 1 {
		where = append(where, "type = @type")
	}
	if len(c.Types) > 1 {
		where = append(where, "type = ANY(@types)")
	}
	if c.Status != "" {
		where = append(where, "status = @status")
	}
	if c.Name != "" {
		where = append(where, "name = @name")
	}
	if !c.CreatedAfter.IsZero() {
		where = append(where, "created_at >= @created_after")
	}
	if !c.CreatedBefore.IsZero() {
		where = append(where, "created_at <= @created_before")
	}

	if len(where) == 0 {
		return ""
	}

	return "WHERE " + strings.Join(where, " AND ")
}

func (c Condition) NamedArgs() pgx.NamedArgs {
	args := pgx.NamedArgs{}

	if c.ID != "" {
		args["id"] = c.ID
	}
	if c.Tenant != "" {
		args["tenant"] = c.Tenant
	}
	if c.DeviceID != "" {
		args["device_id"] = c.DeviceID
	}
	if len(c.Types) == 1 {
		args["type"] = c.Types[0]
	}
	if len(c.Types) > 1 {
		args["types"] = c.Types
	}
	if c.Status != "" {
		args["status"] = c.Status
	}
	if c.Name != "" {
		args["name"] = c.Name
	}
	if !c.CreatedAfter.IsZero() {
		args["created_after"] = c.CreatedAfter.UTC()
	}
	if !c.CreatedBefore.IsZero() {
		args["created_before"] = c.CreatedBefore.UTC()
	}
	if c.offset != nil {
		args["offset"] = *c.offset
	}
	if c.limit != nil {
		args["limit"] = *c.limit
	}

	return args
}

func (c Condition) OrderBy() string {
	if c.sortBy == "" {
		return ""
	}

	orderBy := "ORDER BY " + c.sortBy + " "
	if c.sortOrder != "" {
		orderBy += c.sortOrder
	} else {
		orderBy += "ASC"
	}

	return orderBy
}

func (c Condition) OffsetLimit() string {
	s := ""
	if c.offset != nil {
		s += "OFFSET @offset "
	}
	if c.limit != nil {
		s += "LIMIT @limit "
	}
	return s
}

func (c Condition) Offset() int {
	if c.offset != nil {
		return *c.offset
	}
	return 0
}

func (c Condition) Limit() int {
	if c.limit != nil {
		return *c.limit
	}
	return 0
}

// Matches evaluates the full predicate against a single record. Offset,
// limit and ordering are not part of the predicate.
func (c Condition) Matches(r Record) bool {
	if c.ID != "" && r.ID != c.ID {
		return false
	}
	if c.Tenant != "" && r.Tenant != c.Tenant {
		return false
	}
	if c.DeviceID != "" && r.DeviceID != c.DeviceID {
		return false
	}
	if len(c.Types) > 0 && !slices.Contains(c.Types, r.Type) {
		return false
	}
	if c.Status != "" && r.Status != c.Status {
		return false
	}
	if c.Name != "" && r.Name != c.Name {
		return false
	}
	if !c.CreatedAfter.IsZero() && r.CreatedAt.Before(c.CreatedAfter) {
		return false
	}
	if !c.CreatedBefore.IsZero() && r.CreatedAt.After(c.CreatedBefore) {
		return false
	}
	return true
}

// Compare orders two records according to the condition's sort key,
// falling back to id so the order is total and stable across replays.
func (c Condition) Compare(a, b Record) int {
	cmp := 0

	switch c.sortBy {
	case "name":
		cmp = strings.Compare(a.Name, b.Name)
	case "updated_at":
		cmp = a.UpdatedAt.Compare(b.UpdatedAt)
	default:
		cmp = a.CreatedAt.Compare(b.CreatedAt)
	}

	if cmp == 0 {
		cmp = strings.Compare(a.ID, b.ID)
	}

	if c.sortOrder == "DESC" {
		cmp = -cmp
	}

	return cmp
}

func WithID(id string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.ID = id
		return c
	}
}

func WithTenant(tenant string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Tenant = tenant
		return c
	}
}

func WithDeviceID(deviceID string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.DeviceID = deviceID
		return c
	}
}

func WithType(t string) ConditionFunc {
	return func(c *Condition) *Condition {
		if t != "" {
			c.Types = append(c.Types, t)
		}
		return c
	}
}

func WithTypes(types []string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Types = types
		return c
	}
}

func WithStatus(status string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Status = status
		return c
	}
}

func WithName(name string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Name = name
		return c
	}
}

func WithCreatedAfter(ts time.Time) ConditionFunc {
	return func(c *Condition) *Condition {
		c.CreatedAfter = ts
		return c
	}
}

func WithCreatedBefore(ts time.Time) ConditionFunc {
	return func(c *Condition) *Condition {
		c.CreatedBefore = ts
		return c
	}
}

func WithSortBy(sortBy string) ConditionFunc {
	return func(c *Condition) *Condition {
		switch strings.ToLower(sortBy) {
		case "name":
			c.sortBy = "name"
		case "updated_at":
			c.sortBy = "updated_at"
		case "created_at":
			c.sortBy = "created_at"
		}
		return c
	}
}

func WithSortDesc(desc bool) ConditionFunc {
	return func(c *Condition) *Condition {
		if desc {
			c.sortOrder = "DESC"
		} else {
			c.sortOrder = "ASC"
		}
		return c
	}
}

func WithOffset(offset int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.offset = &offset
		return c
	}
}

func WithLimit(limit int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.limit = &limit
		return c
	}
}
