package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/shadowmesh/kaddht/pkg/dht"
)

// PostgresStore is a durable dht.RecordStore backed by PostgreSQL. It is
// the source of truth for PUT_VALUE/ADD_PROVIDER records; RedisCache sits
// in front of it as a read-through/write-through cache.
type PostgresStore struct {
	db *sql.DB
}

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// NewPostgresStore connects to Postgres, verifies the connection, and
// ensures the records/providers schema exists.
func NewPostgresStore(config Config) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host,
		config.Port,
		config.User,
		config.Password,
		config.DBName,
		config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{db: db}
	if err := store.InitSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Println("PostgreSQL connection established")
	return store, nil
}

// InitSchema creates the records/providers tables if they don't exist.
func (ps *PostgresStore) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dht_records (
		key VARCHAR(64) PRIMARY KEY,
		value BYTEA NOT NULL,
		time_received TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dht_records_expires_at ON dht_records(expires_at);

	CREATE TABLE IF NOT EXISTS dht_providers (
		key VARCHAR(64) NOT NULL,
		peer_id VARCHAR(64) NOT NULL,
		addrs JSONB NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		PRIMARY KEY (key, peer_id)
	);

	CREATE INDEX IF NOT EXISTS idx_dht_providers_key ON dht_providers(key);
	CREATE INDEX IF NOT EXISTS idx_dht_providers_expires_at ON dht_providers(expires_at);
	`

	_, err := ps.db.Exec(schema)
	return err
}

// Put stores a value record, replacing any existing record for key.
func (ps *PostgresStore) Put(key dht.Key, record dht.Record, ttl time.Duration) error {
	query := `
		INSERT INTO dht_records (key, value, time_received, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			time_received = EXCLUDED.time_received,
			expires_at = EXCLUDED.expires_at
	`
	_, err := ps.db.Exec(query, key.String(), record.Value, record.TimeReceived, time.Now().Add(ttl))
	return err
}

// Get retrieves a value record by key, treating an expired row as absent.
func (ps *PostgresStore) Get(key dht.Key) (dht.Record, bool, error) {
	query := `SELECT value, time_received FROM dht_records WHERE key = $1 AND expires_at > NOW()`

	var value []byte
	var receivedAt time.Time
	err := ps.db.QueryRow(query, key.String()).Scan(&value, &receivedAt)
	if err == sql.ErrNoRows {
		return dht.Record{}, false, nil
	}
	if err != nil {
		return dht.Record{}, false, err
	}
	return dht.Record{Key: key, Value: value, TimeReceived: receivedAt}, true, nil
}

// AddProvider records peer as a provider of key, refreshing its TTL if
// already present.
func (ps *PostgresStore) AddProvider(key dht.Key, provider dht.ProviderInfo, ttl time.Duration) error {
	addrs, err := json.Marshal(provider.Addrs)
	if err != nil {
		return fmt.Errorf("failed to marshal provider addrs: %w", err)
	}

	query := `
		INSERT INTO dht_providers (key, peer_id, addrs, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key, peer_id) DO UPDATE SET
			addrs = EXCLUDED.addrs,
			expires_at = EXCLUDED.expires_at
	`
	_, err = ps.db.Exec(query, key.String(), string(provider.PeerID), addrs, time.Now().Add(ttl))
	return err
}

// Providers returns the live (unexpired) providers for key.
func (ps *PostgresStore) Providers(key dht.Key) ([]dht.ProviderInfo, error) {
	query := `SELECT peer_id, addrs FROM dht_providers WHERE key = $1 AND expires_at > NOW()`

	rows, err := ps.db.Query(query, key.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	providers := make([]dht.ProviderInfo, 0)
	for rows.Next() {
		var peerID string
		var addrsJSON []byte
		if err := rows.Scan(&peerID, &addrsJSON); err != nil {
			return nil, err
		}
		var addrs []string
		if err := json.Unmarshal(addrsJSON, &addrs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provider addrs: %w", err)
		}
		providers = append(providers, dht.ProviderInfo{PeerID: dht.PeerID(peerID), Addrs: addrs})
	}
	return providers, nil
}

// SweepExpired deletes expired records and provider rows, returning the
// counts removed. Wired from a periodic GC goroutine alongside the node.
func (ps *PostgresStore) SweepExpired() (recordsPurged, providersPurged int, err error) {
	res, err := ps.db.Exec(`DELETE FROM dht_records WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, 0, err
	}
	n, _ := res.RowsAffected()
	recordsPurged = int(n)

	res, err = ps.db.Exec(`DELETE FROM dht_providers WHERE expires_at <= NOW()`)
	if err != nil {
		return recordsPurged, 0, err
	}
	n, _ = res.RowsAffected()
	providersPurged = int(n)
	return recordsPurged, providersPurged, nil
}

// Stats returns row counts for the debug/admin surface.
func (ps *PostgresStore) Stats() (map[string]interface{}, error) {
	var totalRecords, totalProviders int
	if err := ps.db.QueryRow("SELECT COUNT(*) FROM dht_records").Scan(&totalRecords); err != nil {
		return nil, err
	}
	if err := ps.db.QueryRow("SELECT COUNT(*) FROM dht_providers").Scan(&totalProviders); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"total_records":   totalRecords,
		"total_providers": totalProviders,
	}, nil
}

// Close closes the database connection.
func (ps *PostgresStore) Close() error {
	log.Println("Closing PostgreSQL connection")
	return ps.db.Close()
}
