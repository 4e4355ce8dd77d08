// Package cassandra stores accepted listings in a Cassandra table keyed by
// the normalized (name, address) pair.
package cassandra

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config describes the cluster and table.
type Config struct {
	Hosts       []string
	Keyspace    string
	Table       string
	Consistency string
	Timeout     time.Duration
	AutoMigrate bool
}

// Sink writes listings with lightweight transactions so only the first
// insert of a key is applied, across all writers of the cluster.
type Sink struct {
	session *gocql.Session
	stmts   statements
}

type statements struct {
	create string
	insert string
	exists string
	keys   string
}

func buildStatements(keyspace, table string) statements {
	fq := keyspace + "." + table
	return statements{
		create: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name text,
	address text,
	display_name text,
	display_address text,
	phone text,
	category text,
	website text,
	rating double,
	city text,
	term text,
	query text,
	latitude double,
	longitude double,
	scraped_at timestamp,
	PRIMARY KEY ((name, address))
)`, fq),
		insert: fmt.Sprintf(`INSERT INTO %s (name, address, display_name, display_address, phone, category, website, rating, city, term, query, latitude, longitude, scraped_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`, fq),
		exists: fmt.Sprintf(`SELECT name FROM %s WHERE name = ? AND address = ?`, fq),
		keys:   fmt.Sprintf(`SELECT name, address FROM %s`, fq),
	}
}

func (c Config) validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("storage.cassandra.hosts is required")
	}
	if !validIdentifier.MatchString(c.Keyspace) {
		return fmt.Errorf("invalid keyspace %q", c.Keyspace)
	}
	if !validIdentifier.MatchString(c.Table) {
		return fmt.Errorf("invalid table %q", c.Table)
	}
	return nil
}

func parseConsistency(s string) (gocql.Consistency, error) {
	if strings.TrimSpace(s) == "" {
		return gocql.Quorum, nil
	}
	c, err := gocql.ParseConsistencyWrapper(strings.ToUpper(s))
	if err != nil {
		return 0, fmt.Errorf("invalid consistency %q: %w", s, err)
	}
	return c, nil
}

// New connects to the cluster described by cfg.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Table == "" {
		cfg.Table = "businesses"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	consistency, err := parseConsistency(cfg.Consistency)
	if err != nil {
		return nil, err
	}
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = consistency
	cluster.SerialConsistency = gocql.Serial
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
		cluster.ConnectTimeout = cfg.Timeout
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect cassandra: %w", err)
	}
	s := &Sink{session: session, stmts: buildStatements(cfg.Keyspace, cfg.Table)}
	if cfg.AutoMigrate {
		if err := session.Query(s.stmts.create).WithContext(ctx).Exec(); err != nil {
			session.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}
	return s, nil
}

// Exists reports whether the partition holds key.
func (s *Sink) Exists(ctx context.Context, key scrape.IdentityKey) (bool, error) {
	name, address := key.Parts()
	var found string
	err := s.session.Query(s.stmts.exists, name, address).WithContext(ctx).Scan(&found)
	switch {
	case errors.Is(err, gocql.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check listing: %w", err)
	default:
		return true, nil
	}
}

// Put inserts record with IF NOT EXISTS; an unapplied insert yields scrape.ErrDuplicateKey.
func (s *Sink) Put(ctx context.Context, record scrape.Record) error {
	if record.Key == "" {
		return fmt.Errorf("record key is required")
	}
	name, address := record.Key.Parts()
	applied, err := s.session.Query(s.stmts.insert,
		name,
		address,
		record.Name,
		record.Address,
		record.Phone,
		record.Category,
		record.Website,
		record.Rating,
		record.City,
		record.Term,
		record.Query,
		record.Latitude,
		record.Longitude,
		record.ScrapedAt,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	if !applied {
		return scrape.ErrDuplicateKey
	}
	return nil
}

// ForEachKey pages through every stored key.
func (s *Sink) ForEachKey(ctx context.Context, fn func(scrape.IdentityKey) error) error {
	iter := s.session.Query(s.stmts.keys).WithContext(ctx).PageSize(1000).Iter()
	var name, address string
	for iter.Scan(&name, &address) {
		if err := fn(scrape.NewIdentityKey(name, address)); err != nil {
			_ = iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	return nil
}

// Close closes the session.
func (s *Sink) Close() error {
	if s != nil && s.session != nil {
		s.session.Close()
	}
	return nil
}
