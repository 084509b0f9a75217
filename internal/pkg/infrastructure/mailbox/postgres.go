package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	host     string
	user     string
	password string
	port     string
	dbname   string
	sslmode  string
}

func NewConfig(host, user, password, port, dbname, sslmode string) Config {
	return Config{
		host:     host,
		user:     user,
		password: password,
		port:     port,
		dbname:   dbname,
		sslmode:  sslmode,
	}
}

func LoadConfiguration(ctx context.Context) Config {
	return Config{
		host:     env.GetVariableOrDefault(ctx, "POSTGRES_HOST", ""),
		user:     env.GetVariableOrDefault(ctx, "POSTGRES_USER", ""),
		password: env.GetVariableOrDefault(ctx, "POSTGRES_PASSWORD", ""),
		port:     env.GetVariableOrDefault(ctx, "POSTGRES_PORT", "5432"),
		dbname:   env.GetVariableOrDefault(ctx, "POSTGRES_DBNAME", "fleet"),
		sslmode:  env.GetVariableOrDefault(ctx, "POSTGRES_SSLMODE", "disable"),
	}
}

func (c Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.user, c.password, c.host, c.port, c.dbname, c.sslmode)
}

const notifyChannel = "mailbox"

// pgClient is the store of record. Change events are driven entirely by
// Postgres notifications, so local mutations and mutations made by other
// writers (the device agents) arrive on the same ordered feed.
type pgClient struct {
	pool    *pgxpool.Pool
	connStr string
	feed    *feed
	cancel  context.CancelFunc
	ready   chan struct{}
}

func New(ctx context.Context, config Config) (Client, error) {
	pool, err := pgxpool.New(ctx, config.ConnStr())
	if err != nil {
		return nil, err
	}

	err = pool.Ping(ctx)
	if err != nil {
		return nil, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)

	c := &pgClient{
		pool:    pool,
		connStr: config.ConnStr(),
		feed:    newFeed(),
		cancel:  cancel,
		ready:   make(chan struct{}),
	}

	go c.listen(listenerCtx)

	// subscriptions opened after New returns must not miss events, so wait
	// until the listener is attached
	select {
	case <-c.ready:
	case <-time.After(10 * time.Second):
		cancel()
		pool.Close()
		return nil, errors.New("timed out waiting for the change feed listener")
	}

	return c, nil
}

func Initialize(ctx context.Context, config Config) (Client, error) {
	c, err := New(ctx, config)
	if err != nil {
		return nil, err
	}

	err = c.(*pgClient).createTables(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *pgClient) createTables(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS devices (
			id			TEXT PRIMARY KEY,
			tenant		TEXT NOT NULL,
			device_id	TEXT NOT NULL DEFAULT '',
			type		TEXT NOT NULL DEFAULT '',
			status		TEXT NOT NULL DEFAULT 'unknown',
			name		TEXT NOT NULL DEFAULT '',
			data		JSONB NULL,
			created_at	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS commands (
			id			TEXT PRIMARY KEY,
			tenant		TEXT NOT NULL,
			device_id	TEXT NOT NULL,
			type		TEXT NOT NULL,
			status		TEXT NOT NULL DEFAULT 'queued',
			name		TEXT NOT NULL DEFAULT '',
			data		JSONB NULL,
			created_at	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id			TEXT PRIMARY KEY,
			tenant		TEXT NOT NULL,
			device_id	TEXT NOT NULL,
			type		TEXT NOT NULL,
			status		TEXT NOT NULL DEFAULT '',
			name		TEXT NOT NULL DEFAULT '',
			data		JSONB NULL,
			created_at	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS devices_tenant_idx ON devices (tenant);
		CREATE INDEX IF NOT EXISTS commands_tenant_device_idx ON commands (tenant, device_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS alerts_tenant_created_idx ON alerts (tenant, created_at DESC);

		CREATE OR REPLACE FUNCTION mailbox_notify() RETURNS trigger AS $$
		DECLARE
			rec RECORD;
		BEGIN
			IF TG_OP = 'DELETE' THEN
				rec := OLD;
			ELSE
				rec := NEW;
			END IF;
			-- ids only: notification payloads are limited to 8000 bytes and
			-- command payloads (session descriptions) can exceed that
			PERFORM pg_notify('mailbox', json_build_object(
				'op', TG_OP, 'entity', TG_TABLE_NAME, 'id', rec.id, 'tenant', rec.tenant
			)::text);
			RETURN rec;
		END;
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS devices_notify ON devices;
		CREATE TRIGGER devices_notify AFTER INSERT OR UPDATE OR DELETE ON devices
			FOR EACH ROW EXECUTE FUNCTION mailbox_notify();
		DROP TRIGGER IF EXISTS commands_notify ON commands;
		CREATE TRIGGER commands_notify AFTER INSERT OR UPDATE OR DELETE ON commands
			FOR EACH ROW EXECUTE FUNCTION mailbox_notify();
		DROP TRIGGER IF EXISTS alerts_notify ON alerts;
		CREATE TRIGGER alerts_notify AFTER INSERT OR UPDATE OR DELETE ON alerts
			FOR EACH ROW EXECUTE FUNCTION mailbox_notify();
	`)

	return err
}

func (c *pgClient) Query(ctx context.Context, entity Entity, conditions ...ConditionFunc) (Collection, error) {
	cond := NewCondition(conditions...)

	query := fmt.Sprintf(`
		SELECT id, tenant, device_id, type, status, name, data, created_at, updated_at, count(*) OVER () AS total
		FROM %s
		%s
		%s
		%s
	`, entity, cond.Where(), cond.OrderBy(), cond.OffsetLimit())

	rows, err := c.pool.Query(ctx, query, cond.NamedArgs())
	if err != nil {
		return Collection{}, err
	}

	var r Record
	var total int64
	records := make([]Record, 0)

	_, err = pgx.ForEachRow(rows, []any{&r.ID, &r.Tenant, &r.DeviceID, &r.Type, &r.Status, &r.Name, &r.Data, &r.CreatedAt, &r.UpdatedAt, &total}, func() error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		return Collection{}, err
	}

	return Collection{
		Data:       records,
		Count:      uint64(len(records)),
		TotalCount: uint64(total),
	}, nil
}

func (c *pgClient) Count(ctx context.Context, entity Entity, conditions ...ConditionFunc) (int64, error) {
	cond := NewCondition(conditions...)

	query := fmt.Sprintf(`SELECT count(*) FROM %s %s`, entity, cond.Where())

	var n int64
	err := c.pool.QueryRow(ctx, query, cond.NamedArgs()).Scan(&n)
	if err != nil {
		return 0, err
	}

	return n, nil
}

func (c *pgClient) Insert(ctx context.Context, entity Entity, record Record) (Record, error) {
	if record.Tenant == "" {
		return Record{}, ErrMissingTenant
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	var data any
	if len(record.Data) > 0 {
		data = string(record.Data)
	}

	args := pgx.NamedArgs{
		"id":        record.ID,
		"tenant":    record.Tenant,
		"device_id": record.DeviceID,
		"type":      record.Type,
		"status":    record.Status,
		"name":      record.Name,
		"data":      data,
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, tenant, device_id, type, status, name, data)
		VALUES (@id, @tenant, @device_id, @type, @status, @name, @data)
		RETURNING created_at, updated_at
	`, entity)

	err := c.pool.QueryRow(ctx, query, args).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return Record{}, err
	}

	return record, nil
}

func (c *pgClient) Update(ctx context.Context, entity Entity, id string, patch Patch) error {
	if id == "" {
		return ErrMissingID
	}

	set := "updated_at = CURRENT_TIMESTAMP"
	args := pgx.NamedArgs{"id": id}
	guard := ""

	if patch.Name != nil {
		set += ", name = @name"
		args["name"] = *patch.Name
	}
	if patch.Status != nil {
		set += ", status = @status"
		args["status"] = *patch.Status

		if entity == EntityCommands {
			// monotonic lifecycle enforced in the store itself
			guard = ` AND ((status = 'queued' AND @status IN ('sent','failed'))
				OR (status = 'sent' AND @status IN ('acked','failed')))`
		}
	}
	if patch.Data != nil {
		set += ", data = @data"
		args["data"] = string(patch.Data)
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = @id%s`, entity, set, guard)

	tag, err := c.pool.Exec(ctx, query, args)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		if guard != "" {
			n, err := c.Count(ctx, entity, WithID(id))
			if err == nil && n > 0 {
				return ErrInvalidTransition
			}
		}
		return ErrNoRows
	}

	return nil
}

func (c *pgClient) Delete(ctx context.Context, entity Entity, conditions ...ConditionFunc) (int64, error) {
	cond := NewCondition(conditions...)

	query := fmt.Sprintf(`DELETE FROM %s %s`, entity, cond.Where())

	tag, err := c.pool.Exec(ctx, query, cond.NamedArgs())
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func (c *pgClient) Subscribe(entity Entity, tenant string) (Subscription, error) {
	return c.feed.subscribe(entity, tenant), nil
}

func (c *pgClient) Close() {
	c.cancel()
	c.pool.Close()
}

type notification struct {
	Op     string `json:"op"`
	Entity Entity `json:"entity"`
	ID     string `json:"id"`
	Tenant string `json:"tenant"`
}

// listen holds a dedicated connection on LISTEN and dispatches
// notifications to subscriptions. Every (re)connect other than the first
// resets all subscriptions, because events may have been missed while the
// connection was down.
func (c *pgClient) listen(ctx context.Context) {
	log := logging.GetFromContext(ctx)
	first := true

	for ctx.Err() == nil {
		conn, err := pgx.Connect(ctx, c.connStr)
		if err != nil {
			log.Error("mailbox listener could not connect", "err", err.Error())
			time.Sleep(2 * time.Second)
			continue
		}

		_, err = conn.Exec(ctx, "LISTEN "+notifyChannel)
		if err != nil {
			log.Error("mailbox listener could not LISTEN", "err", err.Error())
			conn.Close(ctx)
			time.Sleep(2 * time.Second)
			continue
		}

		if first {
			close(c.ready)
		} else {
			c.feed.reset(errors.New("change feed reconnected"))
		}
		first = false

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("mailbox listener lost its connection", "err", err.Error())
				}
				conn.Close(context.Background())
				break
			}
			c.dispatch(ctx, n.Payload)
		}
	}
}

func (c *pgClient) dispatch(ctx context.Context, payload string) {
	log := logging.GetFromContext(ctx)

	var n notification
	err := json.Unmarshal([]byte(payload), &n)
	if err != nil {
		log.Error("could not unmarshal mailbox notification", "err", err.Error())
		return
	}

	switch Operation(n.Op) {
	case OpDelete:
		c.feed.publish(Event{
			Op:     OpDelete,
			Entity: n.Entity,
			Record: Record{ID: n.ID, Tenant: n.Tenant},
		})
	case OpInsert, OpUpdate:
		// the notification carries ids only, fetch the full row
		result, err := c.Query(ctx, n.Entity, WithID(n.ID))
		if err != nil || len(result.Data) == 0 {
			// row already gone, or the fetch failed: force reloads rather
			// than dropping the event silently
			c.feed.reset(fmt.Errorf("could not fetch changed row %s/%s", n.Entity, n.ID))
			return
		}
		c.feed.publish(Event{Op: Operation(n.Op), Entity: n.Entity, Record: result.Data[0]})
	}
}
