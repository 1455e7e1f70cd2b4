// Package config parses the process's startup configuration and resolves
// the server's fixed-for-lifetime role.
package config

import (
	"fmt"
	"strconv"

	flag "github.com/spf13/pflag"
)

// Role is one of the two fixed roles a server can boot into.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "replica"
)

// FixedReplID is the master replication identity used by this reference
// build. A production build would randomize this per boot; pinning it keeps
// the literal id reproducible across test runs.
const FixedReplID = "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb"

type Config struct {
	Host string
	Port int

	Role       Role
	MasterHost string
	MasterPort int

	Dir        string
	DBFilename string

	LogLevel string
}

// Parse reads CLI flags (leading "--") per the external-interface contract:
// unknown flags are ignored, a missing value for a recognised flag is fatal.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("kvrepl", flag.ContinueOnError)
	fs.ParseErrorsWhitelist = flag.ParseErrorsWhitelist{UnknownFlags: true}

	port := fs.Int("port", 6379, "listening port")
	host := fs.String("host", "127.0.0.1", "listening host")
	replicaof := fs.String("replicaof", "", "\"<host> <port>\" of the master to replicate from")
	dir := fs.String("dir", "", "snapshot directory")
	dbfilename := fs.String("dbfilename", "", "snapshot file name")
	logLevel := fs.String("log-level", "info", "zap log level")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	cfg := &Config{
		Host:       *host,
		Port:       *port,
		Role:       RoleMaster,
		Dir:        *dir,
		DBFilename: *dbfilename,
		LogLevel:   *logLevel,
	}

	if *replicaof != "" {
		h, p, err := splitHostPort(*replicaof)
		if err != nil {
			return nil, fmt.Errorf("--replicaof: %w", err)
		}
		cfg.Role = RoleReplica
		cfg.MasterHost = h
		cfg.MasterPort = p
	}

	return cfg, nil
}

func splitHostPort(arg string) (string, int, error) {
	var host, portStr string
	n, err := fmt.Sscanf(arg, "%s %s", &host, &portStr)
	if err != nil || n != 2 {
		return "", 0, fmt.Errorf("expected \"<host> <port>\", got %q", arg)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}

// HasSnapshot reports whether both snapshot flags were set.
func (c *Config) HasSnapshot() bool {
	return c.Dir != "" && c.DBFilename != ""
}
