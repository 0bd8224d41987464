package mcpproxy

// Config describes the two independent certificate chains the proxy
// terminates, per the wire contract in spec.md §4.I: one authenticates the
// proxy to its own clients (and pins which client CA is trusted back), the
// other authenticates the proxy when it dials out to remote upstream MCP
// servers over HTTPS.
type Config struct {
	// ListenAddr is the proxy's single aggregated MCP endpoint, e.g. ":8443".
	ListenAddr string `yaml:"listen_addr"`

	// ServerCertFile/ServerKeyFile are the proxy's own identity, presented
	// to connecting clients (the "proxy" side of the proxy<->client chain).
	ServerCertFile string `yaml:"server_cert_file"`
	ServerKeyFile  string `yaml:"server_key_file"`

	// ClientCAFile pins the CA clients' certificates must chain to.
	// Handshakes from a client certificate outside this CA are rejected.
	ClientCAFile string `yaml:"client_ca_file"`

	// UpstreamCertFile/UpstreamKeyFile are presented when the proxy dials an
	// HTTPS upstream MCP server (the "server" side of the server<->proxy
	// chain), only needed for upstreams that require client certs.
	UpstreamCertFile string `yaml:"upstream_cert_file,omitempty"`
	UpstreamKeyFile  string `yaml:"upstream_key_file,omitempty"`

	// UpstreamCAFile pins the CA remote upstream server certificates must
	// chain to, instead of trusting the system root pool.
	UpstreamCAFile string `yaml:"upstream_ca_file,omitempty"`

	// RedactSecrets scrubs upstream tool results for embedded credentials
	// before they reach the client.
	RedactSecrets bool `yaml:"redact_secrets"`

	// PrivacyMode additionally masks IP addresses and long numeric account
	// identifiers in upstream tool results.
	PrivacyMode bool `yaml:"privacy_mode"`
}
