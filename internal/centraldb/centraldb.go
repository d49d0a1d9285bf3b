// Package centraldb is the router's view of the central database: the
// collection and node tables from which collection->cluster_id and
// cluster_id->host-list are resolved. PostgreSQL dialect specifics are
// out of scope per the core spec; this package only needs pgx's plain
// single-connection API, not its pool, because the router deliberately
// serializes all access behind one connection and one mutex (spec
// section 4.3/5) rather than relying on pgx's own pooling.
package centraldb

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the narrow set of central-DB operations the router needs.
// Modeled as an interface so the router can be tested against a fake
// without a real Postgres instance.
type Conn interface {
	ClusterIDForCollection(ctx context.Context, name string) (*int64, error)
	HostsForCluster(ctx context.Context, clusterID int64) ([]string, error)
	Close(ctx context.Context) error
}

// Connector opens a fresh Conn. The router calls this both at startup
// and whenever it must replace a connection after a transient error.
type Connector func(ctx context.Context) (Conn, error)

// NewConnector returns a Connector that dials dsn with pgx each time
// it is invoked.
func NewConnector(dsn string) Connector {
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return &pgxConn{conn: conn}, nil
	}
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Close(ctx context.Context) error { return c.conn.Close(ctx) }

// ClusterIDForCollection returns the owning cluster_id for a
// non-deleted collection, or nil if no such collection exists.
func (c *pgxConn) ClusterIDForCollection(ctx context.Context, name string) (*int64, error) {
	var id int64
	err := c.conn.QueryRow(ctx, `
		SELECT cluster_id FROM collection WHERE name = $1 AND deletion_time IS NULL
	`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// HostsForCluster returns the ordered host list for a cluster,
// ordered by node_number_in_cluster (the invariant that segment index
// i is owned by the node at position i).
func (c *pgxConn) HostsForCluster(ctx context.Context, clusterID int64) ([]string, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT hostname FROM node WHERE cluster_id = $1 ORDER BY node_number_in_cluster
	`, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// IsTransient reports whether err looks like the "OperationalError"
// class of fault spec section 4.3/7 says should trigger the
// supervised-reconnect path (connection-level faults), as opposed to a
// query or data error that should surface immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 = Connection Exception, 57P03 = cannot_connect_now.
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" || pgErr.Code == "57P03"
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	// Anything else unrecognized (connection already closed, EOF from
	// a dead socket, etc.) is treated as transient, matching the
	// source's broad "OperationalError" catch-all.
	return true
}
