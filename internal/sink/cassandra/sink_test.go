package cassandra

import (
	"context"
	"strings"
	"testing"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/require"
)

func TestBuildStatementsQualifiesTable(t *testing.T) {
	t.Parallel()

	stmts := buildStatements("mapmonkey", "businesses")
	require.Contains(t, stmts.create, "mapmonkey.businesses")
	require.Contains(t, stmts.create, "PRIMARY KEY ((name, address))")
	require.True(t, strings.HasSuffix(stmts.insert, "IF NOT EXISTS"))
	require.Equal(t, 14, strings.Count(stmts.insert, "?"))
	require.Equal(t, "SELECT name FROM mapmonkey.businesses WHERE name = ? AND address = ?", stmts.exists)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "ok", cfg: Config{Hosts: []string{"127.0.0.1"}, Keyspace: "mapmonkey", Table: "businesses"}},
		{name: "no hosts", cfg: Config{Keyspace: "mapmonkey", Table: "businesses"}, wantErr: true},
		{name: "bad keyspace", cfg: Config{Hosts: []string{"h"}, Keyspace: "map-monkey", Table: "businesses"}, wantErr: true},
		{name: "bad table", cfg: Config{Hosts: []string{"h"}, Keyspace: "mapmonkey", Table: "b;drop"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestParseConsistency(t *testing.T) {
	t.Parallel()

	c, err := parseConsistency("")
	require.NoError(t, err)
	require.Equal(t, gocql.Quorum, c)

	c, err = parseConsistency("local_quorum")
	require.NoError(t, err)
	require.Equal(t, gocql.LocalQuorum, c)

	_, err = parseConsistency("most")
	require.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Keyspace: "mapmonkey"})
	require.Error(t, err)
}
