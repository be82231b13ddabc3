// database/cassandra.go
package database

import (
	"fmt"
	"regexp"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
)

var keyspaceName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,47}$`)

// NewCassandraDB connects to the cluster, creates the keyspace if it does
// not exist yet and prepares the tables.
func NewCassandraDB(hosts []string, keyspace string, log zerolog.Logger) (*gocql.Session, error) {
	if !keyspaceName.MatchString(keyspace) {
		return nil, fmt.Errorf("invalid cassandra keyspace %q", keyspace)
	}

	// The keyspace may not exist yet, so connect without one first.
	cluster := gocql.NewCluster(hosts...)
	cluster.Consistency = gocql.Quorum
	cluster.ProtoVersion = 4
	cluster.ConnectTimeout = 10 * time.Second
	cluster.Timeout = 10 * time.Second

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("cassandra connect: %w", err)
	}
	defer session.Close()

	if err := createKeyspace(session, keyspace); err != nil {
		return nil, fmt.Errorf("create keyspace: %w", err)
	}
	log.Info().Str("keyspace", keyspace).Msg("cassandra keyspace ready")

	cluster.Keyspace = keyspace
	keyspaceSession, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("cassandra connect %s: %w", keyspace, err)
	}

	if err := createTables(keyspaceSession); err != nil {
		keyspaceSession.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	log.Info().Msg("cassandra connected")
	return keyspaceSession, nil
}

func createKeyspace(session *gocql.Session, keyspace string) error {
	query := `
	CREATE KEYSPACE IF NOT EXISTS ` + keyspace + `
	WITH replication = {
		'class': 'SimpleStrategy',
		'replication_factor': 1
	}`
	return session.Query(query).Exec()
}

func createTables(session *gocql.Session) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS videos (
			id UUID PRIMARY KEY,
			user_id UUID,
			post_id UUID,
			original_filename TEXT,
			file_size BIGINT,
			mime_type TEXT,
			raw_key TEXT,
			status TEXT,
			duration DOUBLE,
			width INT,
			height INT,
			thumbnail_url TEXT,
			manifest_url TEXT,
			available_qualities LIST<TEXT>,
			error_message TEXT,
			created_at TIMESTAMP,
			processing_completed_at TIMESTAMP,
			updated_at TIMESTAMP
		)`,

		// One row per (video, quality). The clustering key makes every
		// insert an upsert.
		`CREATE TABLE IF NOT EXISTS video_quality_variants (
			video_id UUID,
			quality_name TEXT,
			status TEXT,
			retry_priority INT,
			retry_count INT,
			error_message TEXT,
			completed_at TIMESTAMP,
			updated_at TIMESTAMP,
			PRIMARY KEY (video_id, quality_name)
		)`,
	}

	for _, query := range tables {
		if err := session.Query(query).Exec(); err != nil {
			return err
		}
	}
	return nil
}
