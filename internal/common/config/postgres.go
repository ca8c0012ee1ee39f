package config

type PostgresConfig struct {
	// Key/value pairs passed to libpq, e.g. host, port, user, password, dbname, sslmode
	Connection map[string]string `validate:"required"`
	// Maximum number of pooled connections. Zero uses the pgxpool default
	MaxOpenConns int
}
