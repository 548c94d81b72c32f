package database

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/arena-gateway/internal/config"
)

// BuildConnString builds a PostgreSQL connection URL from config.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	params := url.Values{}
	params.Set("sslmode", sslMode)
	if cfg.ApplicationName != "" {
		params.Set("application_name", cfg.ApplicationName)
	}
	if secs := int(cfg.ConnectTimeout.Seconds()); secs > 0 {
		params.Set("connect_timeout", strconv.Itoa(secs))
	}

	// Password is query-escaped so reserved characters survive the userinfo section.
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		params.Encode(),
	)
}
