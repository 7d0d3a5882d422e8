// Package registry is the persisted index of live room listings: one row
// per live room, readable by any process, mutable (by convention) only by
// the owning process.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var registryLatency metric.Float64Histogram

const createTableSQL = `
CREATE TABLE IF NOT EXISTS room_listings (
	room_id     uuid PRIMARY KEY,
	name        text NOT NULL,
	process_id  text NOT NULL,
	locked      boolean NOT NULL DEFAULT false,
	private     boolean NOT NULL DEFAULT false,
	max_clients integer NOT NULL DEFAULT 0,
	clients     integer NOT NULL DEFAULT 0,
	filters     jsonb NOT NULL DEFAULT '{}'::jsonb,
	created_at  timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS room_listings_name_idx ON room_listings (name);
`

// Listing is one row of the registry, tracking a single live room.
// ProcessID is immutable once created.
type Listing struct {
	RoomID     uuid.UUID
	Name       string
	ProcessID  string
	Locked     bool
	Private    bool
	MaxClients int
	Clients    int
	Filters    map[string]interface{}
	CreatedAt  time.Time

	driver    *Driver
	persisted bool
}

// Driver is the Registry Driver contract: find/findOne/create/save/remove
// over the persisted set of room listings.
type Driver struct {
	pool  *pgxpool.Pool
	cache *lru.Cache[string, []*Listing]
}

// New creates a Driver backed by a Postgres connection at dsn and ensures
// the room_listings table exists. No migration framework is used.
func New(ctx context.Context, dsn string) (*Driver, error) {
	var err error
	meter := otel.Meter("registry")
	registryLatency, err = meter.Float64Histogram("registry.query.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create registry.query.latency instrument: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry store: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to ensure room_listings table: %w", err)
	}

	cache, err := lru.New[string, []*Listing](256)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry read cache: %w", err)
	}

	return &Driver{pool: pool, cache: cache}, nil
}

// Close releases the underlying connection pool.
func (d *Driver) Close() {
	d.pool.Close()
}

func (d *Driver) trace(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otel.Tracer("registry").Start(ctx, "registry."+op)
	return ctx, func(err error) {
		registryLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("registry.op", op)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "registry operation failed")
		}
		span.End()
	}
}

// Conditions is a query filter: "name", "locked", "private" are matched
// against their dedicated columns; every other key is matched against the
// open, user-defined filter bag via jsonb containment.
type Conditions map[string]interface{}

func (c Conditions) cacheKey() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b, _ := json.Marshal(struct {
		Keys []string
		Vals Conditions
	}{keys, c})
	return string(b)
}

func (c Conditions) build() (string, []interface{}) {
	clause := "1=1"
	args := []interface{}{}
	filters := map[string]interface{}{}

	addArg := func(col string, val interface{}) {
		args = append(args, val)
		clause += fmt.Sprintf(" AND %s = $%d", col, len(args))
	}

	for k, v := range c {
		switch k {
		case "name":
			addArg("name", v)
		case "locked":
			addArg("locked", v)
		case "private":
			addArg("private", v)
		case "roomId", "room_id":
			addArg("room_id", v)
		default:
			filters[k] = v
		}
	}

	if len(filters) > 0 {
		data, _ := json.Marshal(filters)
		args = append(args, data)
		clause += fmt.Sprintf(" AND filters @> $%d::jsonb", len(args))
	}
	return clause, args
}

const selectColumns = "room_id, name, process_id, locked, private, max_clients, clients, filters, created_at"

func (d *Driver) scan(row pgx.Row) (*Listing, error) {
	l := &Listing{driver: d, persisted: true}
	var filtersRaw []byte
	if err := row.Scan(&l.RoomID, &l.Name, &l.ProcessID, &l.Locked, &l.Private, &l.MaxClients, &l.Clients, &filtersRaw, &l.CreatedAt); err != nil {
		return nil, err
	}
	if len(filtersRaw) > 0 {
		if err := json.Unmarshal(filtersRaw, &l.Filters); err != nil {
			return nil, err
		}
	}
	if l.Filters == nil {
		l.Filters = map[string]interface{}{}
	}
	return l, nil
}

// Find returns every listing matching conditions. Cross-listing reads may
// observe stale data: a read-through LRU cache absorbs repeated identical
// queries from the admission gate's staggered burst. Cached entries do not
// expire with time; they are dropped only when this process's own Save or
// Remove purges the cache, so writes made by other processes are not seen
// until then.
func (d *Driver) Find(ctx context.Context, conditions Conditions) ([]*Listing, error) {
	key := conditions.cacheKey()
	if cached, ok := d.cache.Get(key); ok {
		return cached, nil
	}

	ctx, end := d.trace(ctx, "find")
	clause, args := conditions.build()
	rows, err := d.pool.Query(ctx, "SELECT "+selectColumns+" FROM room_listings WHERE "+clause, args...)
	if err != nil {
		end(err)
		return nil, err
	}
	defer rows.Close()

	var out []*Listing
	for rows.Next() {
		l, err := d.scan(rows)
		if err != nil {
			end(err)
			return nil, err
		}
		out = append(out, l)
	}
	end(rows.Err())
	if rows.Err() == nil {
		d.cache.Add(key, out)
	}
	return out, rows.Err()
}

// FindOneQuery is a one-shot query supporting .Sort before being awaited.
type FindOneQuery struct {
	driver     *Driver
	conditions Conditions
	sortField  string
	sortDesc   bool
}

// FindOne begins a findOne query; call Sort then Await, or Await directly.
func (d *Driver) FindOne(conditions Conditions) *FindOneQuery {
	return &FindOneQuery{driver: d, conditions: conditions}
}

// Sort orders candidate listings by field before the first match is taken.
func (q *FindOneQuery) Sort(field string, desc bool) *FindOneQuery {
	q.sortField = field
	q.sortDesc = desc
	return q
}

// Await executes the query and returns the first matching listing, or nil
// if none match.
func (q *FindOneQuery) Await(ctx context.Context) (*Listing, error) {
	matches, err := q.driver.Find(ctx, q.conditions)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	if q.sortField != "" {
		sortListings(matches, q.sortField, q.sortDesc)
	}
	return matches[0], nil
}

func sortListings(matches []*Listing, field string, desc bool) {
	sort.SliceStable(matches, func(i, j int) bool {
		vi, vj := fieldValue(matches[i], field), fieldValue(matches[j], field)
		if desc {
			return vi > vj
		}
		return vi < vj
	})
}

func fieldValue(l *Listing, field string) float64 {
	switch field {
	case "clients":
		return float64(l.Clients)
	case "maxClients":
		return float64(l.MaxClients)
	default:
		if v, ok := l.Filters[field]; ok {
			if f, ok := v.(float64); ok {
				return f
			}
		}
		return 0
	}
}

// CreateInstance buffers a new listing; it is invisible to other processes
// until Save is called.
func (d *Driver) CreateInstance(initial Listing) *Listing {
	initial.driver = d
	if initial.Filters == nil {
		initial.Filters = map[string]interface{}{}
	}
	initial.persisted = false
	return &initial
}

// Save upserts the listing, making it visible to Find/FindOne.
func (l *Listing) Save(ctx context.Context) error {
	ctx, end := l.driver.trace(ctx, "save")
	filters, err := json.Marshal(l.Filters)
	if err != nil {
		end(err)
		return err
	}

	_, err = l.driver.pool.Exec(ctx, `
		INSERT INTO room_listings (room_id, name, process_id, locked, private, max_clients, clients, filters)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id) DO UPDATE SET
			locked = EXCLUDED.locked,
			private = EXCLUDED.private,
			max_clients = EXCLUDED.max_clients,
			clients = EXCLUDED.clients,
			filters = EXCLUDED.filters
	`, l.RoomID, l.Name, l.ProcessID, l.Locked, l.Private, l.MaxClients, l.Clients, filters)
	end(err)
	if err == nil {
		l.persisted = true
		l.driver.invalidate(l.Name)
	}
	return err
}

// Remove deletes the listing from the registry.
func (l *Listing) Remove(ctx context.Context) error {
	ctx, end := l.driver.trace(ctx, "remove")
	_, err := l.driver.pool.Exec(ctx, "DELETE FROM room_listings WHERE room_id = $1", l.RoomID)
	end(err)
	if err == nil {
		l.driver.invalidate(l.Name)
	}
	return err
}

// invalidate drops every cached Find result. A write to one room type's
// listings can't invalidate by name prefix alone, since findOne queries key
// their cache entry on the full condition set, not just name; a full purge
// keeps this correct at the cost of a few extra round trips after a write.
func (d *Driver) invalidate(_ string) {
	d.cache.Purge()
}
