package channel

import (
	"crypto/tls"
	"fmt"
	"net"

	"pwncat/internal/errs"
)

// DialSSL implements the "ssl-connect" protocol variant: outbound TCP
// followed by a TLS handshake. insecureSkipVerify matches the common
// pentest posture of connecting to a target presenting a self-signed
// or unknown cert.
func DialSSL(host string, port int, insecureSkipVerify bool) (Channel, error) {
	conf := &tls.Config{InsecureSkipVerify: insecureSkipVerify}
	conn, err := tls.Dial("tcp", fmt.Sprintf("%s:%d", host, port), conf)
	if err != nil {
		return nil, &errs.TransportError{Op: "ssl-connect", Err: err}
	}
	return &tcpChannel{conn: conn, proto: ProtoSSLConnect, host: host, port: port}, nil
}

// LoadServerTLSConfig builds a server-side tls.Config from a combined
// PEM (cert+key in one file) or separate cert/key files, as required by
// "ssl-bind" (spec.md §4.1).
func LoadServerTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	if keyPath == "" {
		keyPath = certPath
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS cert/key: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// tlsListen wraps net.Listen + tls.NewListener for ssl-bind.
func tlsListen(bindHost string, bindPort int, conf *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindHost, bindPort))
	if err != nil {
		return nil, &errs.TransportError{Op: "ssl-bind", Err: err}
	}
	return tls.NewListener(ln, conf), nil
}
