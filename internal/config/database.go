package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// tlsConfigName is the name under which the verify-ca and verify-full TLS
// configs are registered with the MySQL driver.
const tlsConfigName = "loadplan-custom"

// driverConfig builds the driver configuration from the connection string, or
// from the discrete fields when there is none. Timestamps are always parsed
// and read as UTC, so a column loaded by a join and the same column loaded by
// a fallback fetch compare equal in the identity cache.
func (d *DatabaseConfig) driverConfig() (*mysql.Config, error) {
	var cfg *mysql.Config
	if dsn := strings.TrimSpace(d.ConnectionString); dsn != "" {
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("database.dsn is invalid: %w", err)
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", d.Host, d.Port)
		cfg.DBName = d.Database
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	// A tls parameter in the connection string wins over database.tls.mode.
	if cfg.TLSConfig == "" {
		cfg.TLSConfig = d.TLS.driverParam()
	}
	return cfg, nil
}

// DSN returns the data source name to open. An unparseable connection string
// is returned unchanged; validation reports it.
func (d *DatabaseConfig) DSN() string {
	cfg, err := d.driverConfig()
	if err != nil {
		return d.ConnectionString
	}
	return cfg.FormatDSN()
}

// EffectiveDatabaseName returns the database introspected for the schema
// mapping: database.database, or the one named by the DSN.
func (d *DatabaseConfig) EffectiveDatabaseName() (string, error) {
	return resolveEffectiveDatabaseName(d.Database, d.ConnectionString)
}

func resolveEffectiveDatabaseName(databaseName string, connectionString string) (string, error) {
	configDatabase := strings.TrimSpace(databaseName)
	var dsnDatabase string
	if dsn := strings.TrimSpace(connectionString); dsn != "" {
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("database.dsn is invalid: %w", err)
		}
		dsnDatabase = strings.TrimSpace(parsed.DBName)
	}

	switch {
	case configDatabase != "" && dsnDatabase != "" && configDatabase != dsnDatabase:
		return "", fmt.Errorf("database mismatch: database.database=%q but database.dsn targets %q", configDatabase, dsnDatabase)
	case configDatabase != "":
		return configDatabase, nil
	case dsnDatabase != "":
		return dsnDatabase, nil
	default:
		return "", errors.New("no database configured: set database.database or include /<database> in database.dsn")
	}
}

// driverParam maps the TLS mode onto the driver's tls parameter. An empty
// mode leaves the driver default.
func (t *DatabaseTLSConfig) driverParam() string {
	switch t.Mode {
	case "":
		return ""
	case "off":
		return "false"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return t.Mode
	}
}

// RegisterTLS registers the custom TLS configuration with the MySQL driver.
// It must run before the database is opened and does nothing for modes that
// need no custom configuration.
func (d *DatabaseConfig) RegisterTLS() error {
	if d.TLS.driverParam() != tlsConfigName {
		return nil
	}
	tlsCfg, err := d.TLS.build()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}
	return nil
}

// build creates the tls.Config for verify-ca and verify-full. verify-ca checks
// the server chain against the CA but not the host name.
func (t *DatabaseTLSConfig) build() (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile := t.resolveCAFile(); caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", caFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
		}
		tlsCfg.RootCAs = pool
	}

	certFile, keyFile := t.resolveCertFile(), t.resolveKeyFile()
	switch {
	case certFile != "" && keyFile != "":
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	case certFile != "" || keyFile != "":
		return nil, errors.New("both cert_file and key_file must be specified for client certificate authentication")
	}

	switch t.Mode {
	case "verify-ca":
		// Chain verification moves into VerifyPeerCertificate so the host
		// name check can be skipped.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = verifyChain(tlsCfg.RootCAs)
	case "verify-full":
		// An empty ServerName is filled from the DSN address by the driver.
		tlsCfg.ServerName = t.ServerName
	}
	return tlsCfg, nil
}

func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("server presented no certificate")
		}
		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("failed to parse server certificate: %w", err)
			}
			certs[i] = cert
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
		return err
	}
}

// fileFromEnv returns the path named by the environment variable env, falling
// back to path when env is unset or empty.
func fileFromEnv(env, path string) string {
	if env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return path
}

func (t *DatabaseTLSConfig) resolveCAFile() string   { return fileFromEnv(t.CAFileEnv, t.CAFile) }
func (t *DatabaseTLSConfig) resolveCertFile() string { return fileFromEnv(t.CertFileEnv, t.CertFile) }
func (t *DatabaseTLSConfig) resolveKeyFile() string  { return fileFromEnv(t.KeyFileEnv, t.KeyFile) }
