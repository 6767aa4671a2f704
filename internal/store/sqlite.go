// Package store persists the two kinds of state the engine needs: the
// desired-state model in SQLite, and the last-applied artifact plus the
// in-flight transaction sidecar as JSON files next to the database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"wgsteward/internal/model"
)

// ErrNotFound is returned for lookups and deletes of absent rows.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS networks (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	name              TEXT NOT NULL UNIQUE,
	cidr              TEXT NOT NULL,
	interface_address TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS clients (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL UNIQUE,
	public_key    TEXT NOT NULL,
	private_key   TEXT NOT NULL DEFAULT '',
	preshared_key TEXT NOT NULL DEFAULT '',
	octet         INTEGER NOT NULL,
	keepalive     INTEGER NOT NULL DEFAULT 0,
	enabled       INTEGER NOT NULL DEFAULT 1,
	dns_mode      TEXT NOT NULL DEFAULT 'default',
	dns_servers   TEXT NOT NULL DEFAULT '[]',
	routed_cidrs  TEXT NOT NULL DEFAULT '[]',
	tags          TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS client_networks (
	client_id  INTEGER NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	network_id INTEGER NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
	PRIMARY KEY (client_id, network_id)
);

CREATE TABLE IF NOT EXISTS rules (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	source_client_id INTEGER NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	dest_cidr        TEXT NOT NULL DEFAULT '',
	dest_network_id  INTEGER NOT NULL DEFAULT 0,
	dest_client_id   INTEGER NOT NULL DEFAULT 0,
	dest_routed      INTEGER NOT NULL DEFAULT 0,
	port             INTEGER NOT NULL DEFAULT 0,
	proto            TEXT NOT NULL DEFAULT 'all',
	action           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS server (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	private_key TEXT NOT NULL,
	public_key  TEXT NOT NULL,
	endpoint    TEXT NOT NULL DEFAULT '',
	listen_port INTEGER NOT NULL
);
`

// Store wraps the SQLite database holding the desired state.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY under concurrent API calls.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// closeRows surfaces iteration errors, which the driver reports only
// through rows.Err once Next returns false. Without the check a query
// failing mid-iteration would look like a shorter result set.
func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

// Load reads the entire desired state as one snapshot.
func (s *Store) Load(ctx context.Context) (*model.Snapshot, error) {
	snap := &model.Snapshot{}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, cidr, interface_address FROM networks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var n model.Network
		if err := rows.Scan(&n.ID, &n.Name, &n.CIDR, &n.InterfaceAddress); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Networks = append(snap.Networks, n)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, name, public_key, private_key, preshared_key,
		octet, keepalive, enabled, dns_mode, dns_servers, routed_cidrs, tags FROM clients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var c model.Client
		var dnsServers, routed, tags string
		if err := rows.Scan(&c.ID, &c.Name, &c.PublicKey, &c.PrivateKey, &c.PresharedKey,
			&c.Octet, &c.Keepalive, &c.Enabled, &c.DNSMode, &dnsServers, &routed, &tags); err != nil {
			rows.Close()
			return nil, err
		}
		if err := decodeList(dnsServers, &c.DNSServers); err != nil {
			rows.Close()
			return nil, err
		}
		if err := decodeList(routed, &c.RoutedCIDRs); err != nil {
			rows.Close()
			return nil, err
		}
		if err := decodeList(tags, &c.Tags); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Clients = append(snap.Clients, c)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT client_id, network_id FROM client_networks ORDER BY client_id, network_id`)
	if err != nil {
		return nil, err
	}
	memberships := make(map[int64][]int64)
	for rows.Next() {
		var clientID, networkID int64
		if err := rows.Scan(&clientID, &networkID); err != nil {
			rows.Close()
			return nil, err
		}
		memberships[clientID] = append(memberships[clientID], networkID)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	for i := range snap.Clients {
		snap.Clients[i].NetworkIDs = memberships[snap.Clients[i].ID]
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, source_client_id, dest_cidr, dest_network_id,
		dest_client_id, dest_routed, port, proto, action FROM rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r model.AccessRule
		if err := rows.Scan(&r.ID, &r.SourceClientID, &r.DestCIDR, &r.DestNetworkID,
			&r.DestClientID, &r.DestRouted, &r.Port, &r.Proto, &r.Action); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Rules = append(snap.Rules, r)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `SELECT private_key, public_key, endpoint, listen_port FROM server WHERE id = 1`).
		Scan(&snap.Server.PrivateKey, &snap.Server.PublicKey, &snap.Server.Endpoint, &snap.Server.ListenPort)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	snap.Sort()
	return snap, nil
}

// SetServer creates or replaces the single server identity row.
func (s *Store) SetServer(ctx context.Context, srv model.ServerIdentity) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO server (id, private_key, public_key, endpoint, listen_port)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET private_key = excluded.private_key,
			public_key = excluded.public_key, endpoint = excluded.endpoint,
			listen_port = excluded.listen_port`,
		srv.PrivateKey, srv.PublicKey, srv.Endpoint, srv.ListenPort)
	return err
}

// CreateNetwork inserts a network and returns it with its assigned ID.
func (s *Store) CreateNetwork(ctx context.Context, n model.Network) (model.Network, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO networks (name, cidr, interface_address) VALUES (?, ?, ?)`,
		n.Name, n.CIDR, n.InterfaceAddress)
	if err != nil {
		return n, err
	}
	n.ID, err = res.LastInsertId()
	return n, err
}

// DeleteNetwork removes a network; memberships cascade.
func (s *Store) DeleteNetwork(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "networks", id)
}

// CreateClient inserts a client and its network memberships.
func (s *Store) CreateClient(ctx context.Context, c model.Client) (model.Client, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO clients (name, public_key, private_key, preshared_key,
		octet, keepalive, enabled, dns_mode, dns_servers, routed_cidrs, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.PublicKey, c.PrivateKey, c.PresharedKey, c.Octet, c.Keepalive, c.Enabled,
		dnsModeOrDefault(c.DNSMode), encodeList(c.DNSServers), encodeList(c.RoutedCIDRs), encodeList(c.Tags))
	if err != nil {
		return c, err
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return c, err
	}
	for _, nid := range c.NetworkIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO client_networks (client_id, network_id) VALUES (?, ?)`, c.ID, nid); err != nil {
			return c, err
		}
	}
	return c, tx.Commit()
}

// UpdateClient replaces a client row and its memberships.
func (s *Store) UpdateClient(ctx context.Context, c model.Client) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE clients SET name = ?, public_key = ?, private_key = ?,
		preshared_key = ?, octet = ?, keepalive = ?, enabled = ?, dns_mode = ?, dns_servers = ?,
		routed_cidrs = ?, tags = ? WHERE id = ?`,
		c.Name, c.PublicKey, c.PrivateKey, c.PresharedKey, c.Octet, c.Keepalive, c.Enabled,
		dnsModeOrDefault(c.DNSMode), encodeList(c.DNSServers), encodeList(c.RoutedCIDRs), encodeList(c.Tags), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM client_networks WHERE client_id = ?`, c.ID); err != nil {
		return err
	}
	for _, nid := range c.NetworkIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO client_networks (client_id, network_id) VALUES (?, ?)`, c.ID, nid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteClient removes a client; memberships and rules cascade.
func (s *Store) DeleteClient(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "clients", id)
}

// CreateRule inserts an access rule and returns it with its ID.
func (s *Store) CreateRule(ctx context.Context, r model.AccessRule) (model.AccessRule, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO rules (source_client_id, dest_cidr, dest_network_id,
		dest_client_id, dest_routed, port, proto, action) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SourceClientID, r.DestCIDR, r.DestNetworkID, r.DestClientID, r.DestRouted, r.Port,
		protoOrDefault(r.Proto), r.Action)
	if err != nil {
		return r, err
	}
	r.ID, err = res.LastInsertId()
	return r, err
}

// DeleteRule removes an access rule.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "rules", id)
}

func (s *Store) deleteByID(ctx context.Context, table string, id int64) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func dnsModeOrDefault(m model.DNSMode) model.DNSMode {
	if m == "" {
		return model.DNSDefault
	}
	return m
}

func protoOrDefault(p model.Protocol) model.Protocol {
	if p == "" {
		return model.ProtoAll
	}
	return p
}

func encodeList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func decodeList(data string, into *[]string) error {
	if data == "" || data == "[]" {
		return nil
	}
	return json.Unmarshal([]byte(data), into)
}
