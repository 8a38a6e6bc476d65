// Package config loads and validates the control plane's environment-variable
// configuration (spec.md §6.3). It generalizes r1cht4-envoyage's
// internal/config/config.go (a Load() plus a getEnv fallback helper) to the
// full field set the xDS core and its collaborators need: ADS/admin listen
// addresses, TLS material, stream timeouts, the change-bus debounce window,
// mTLS/identity policy, and log level.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-derived setting. Loaded once at startup
// via Load and treated as immutable afterward.
type Config struct {
	// ADSAddr is the gRPC listen address named for the Aggregated
	// Discovery Service. cmd/controlplane does not read it: the gRPC
	// listener is bound by opinionated-server's server.ListenAndServe.
	ADSAddr string
	// AdminAddr is the HTTP listen address named for the write-side admin
	// API, health, metrics, and debug/snapshot routes. cmd/controlplane does
	// not read it: the admin handler is registered on http.DefaultServeMux,
	// which opinionated-server serves.
	AdminAddr string

	// TLSCertFile and TLSKeyFile, when both set, enable TLS on the ADS
	// listener. Empty means plaintext (local development).
	TLSCertFile string
	TLSKeyFile  string
	// TLSClientCAFile, when set, enables mTLS: client certificates are
	// verified against this CA and the identity resolver can admit
	// connections based on the verified leaf (internal/identity).
	TLSClientCAFile string

	// RequireMTLSIdentity turns on the identity resolver's admission check
	// against domain.Dataplane.Identity once a client certificate is
	// verified (spec.md §4.F).
	RequireMTLSIdentity bool
	// StrictDNS turns on the identity resolver's optional confirmation that
	// a dataplane's configured gateway host resolves, via a direct
	// miekg/dns query rather than the platform resolver.
	StrictDNS bool
	// DNSServerAddr is the resolver the identity resolver queries when
	// StrictDNS is enabled, "host:port" form.
	DNSServerAddr string

	// Debounce is the Change Bus's coalescing window (spec.md §5).
	Debounce time.Duration
	// IdleTimeout terminates an ADS stream that receives no client message
	// for this long (spec.md §5).
	IdleTimeout time.Duration
	// PendingResponseTimeout terminates an ADS stream if a sent response
	// gets no ACK/NACK within this long (spec.md §5).
	PendingResponseTimeout time.Duration

	// RepositoryBackend selects the Repository implementation: "memstore"
	// (default, in-process) or "k8s" (ConfigMap-backed, GitOps-style).
	RepositoryBackend string
	// K8sNamespace and K8sKubeconfig configure the k8s backend; see
	// internal/repository/k8srepo. Kubeconfig empty means in-cluster.
	K8sNamespace  string
	K8sKubeconfig string

	// LogLevel is one of zap's level strings ("debug", "info", "warn",
	// "error"). cmd/controlplane does not apply it to the logger.
	LogLevel string
}

// Load reads configuration from environment variables, falling back to
// defaults suitable for local development when a variable is unset.
func Load() (*Config, error) {
	cfg := &Config{
		ADSAddr:                getEnv("FLOWPLANE_ADS_ADDR", ":18000"),
		AdminAddr:              getEnv("FLOWPLANE_ADMIN_ADDR", ":18001"),
		TLSCertFile:            getEnv("FLOWPLANE_TLS_CERT_FILE", ""),
		TLSKeyFile:             getEnv("FLOWPLANE_TLS_KEY_FILE", ""),
		TLSClientCAFile:        getEnv("FLOWPLANE_TLS_CLIENT_CA_FILE", ""),
		RequireMTLSIdentity:    getEnvBool("FLOWPLANE_REQUIRE_MTLS_IDENTITY", false),
		StrictDNS:              getEnvBool("FLOWPLANE_IDENTITY_STRICT_DNS", false),
		DNSServerAddr:          getEnv("FLOWPLANE_DNS_SERVER_ADDR", "127.0.0.1:53"),
		Debounce:               getEnvDuration("FLOWPLANE_DEBOUNCE", 10*time.Millisecond),
		IdleTimeout:            getEnvDuration("FLOWPLANE_IDLE_TIMEOUT", 5*time.Minute),
		PendingResponseTimeout: getEnvDuration("FLOWPLANE_PENDING_RESPONSE_TIMEOUT", 30*time.Second),
		RepositoryBackend:      getEnv("FLOWPLANE_REPOSITORY_BACKEND", "memstore"),
		K8sNamespace:           getEnv("FLOWPLANE_K8S_NAMESPACE", "default"),
		K8sKubeconfig:          getEnv("FLOWPLANE_K8S_KUBECONFIG", ""),
		LogLevel:               getEnv("FLOWPLANE_LOG_LEVEL", "info"),
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("config: FLOWPLANE_TLS_CERT_FILE and FLOWPLANE_TLS_KEY_FILE must both be set or both be empty")
	}
	if cfg.RepositoryBackend != "memstore" && cfg.RepositoryBackend != "k8s" {
		return nil, fmt.Errorf("config: FLOWPLANE_REPOSITORY_BACKEND must be %q or %q, got %q", "memstore", "k8s", cfg.RepositoryBackend)
	}
	if cfg.RequireMTLSIdentity && cfg.TLSClientCAFile == "" {
		return nil, fmt.Errorf("config: FLOWPLANE_REQUIRE_MTLS_IDENTITY requires FLOWPLANE_TLS_CLIENT_CA_FILE")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
