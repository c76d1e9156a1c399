package gossip

import (
	"crypto/x509"
	"log/slog"
	"unique"
)

type Hostname string

type Host struct {
	Name unique.Handle[Hostname]
	Addr string
	Port int
}

// HostnameResolver resolves the name of a peer from the certificates it
// presented.
//
// Implementations MUST NOT block, they run on the connection establishment
// path. On failure they return a non-nil error and, optionally, a
// human-friendly reason sent back to the peer.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error, string)

// CommonNameResolver is the default resolver: the peer is named after the
// subject common name of its leaf certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error, string) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve, "it seems like you haven't provided client certificate"
	}
	return Hostname(certs[0].Subject.CommonName), nil, ""
}

func (host *Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(host.Name.Value())),
		slog.String("addr", host.Addr),
		slog.Int("port", host.Port),
	)
}
