package cas

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// RemoteKind is one of the three remote spec types: a
// remote may serve artifact/source index lookups, raw blob storage, or a
// remote-execution endpoint.
type RemoteKind string

const (
	RemoteIndex    RemoteKind = "INDEX"
	RemoteStorage  RemoteKind = "STORAGE"
	RemoteEndpoint RemoteKind = "ENDPOINT"
)

// RemoteSpec is a parsed remote-spec string:
//
//	url[,instance-name=NAME][,type=index|storage|all][,push=true|false]
//	    [,server-cert=PATH][,client-key=PATH][,client-cert=PATH]
type RemoteSpec struct {
	URL          string
	InstanceName string
	Kind         RemoteKind
	Push         bool
	ServerCert   string
	ClientKey    string
	ClientCert   string

	// Scheme/Host/Port are derived from URL by ParseRemoteSpec so callers
	// don't need to re-parse.
	Scheme string
	Host   string
	Port   int
}

// ParseRemoteSpec parses one remote-spec string. Connections implicitly
// default to port 443 for https, 80 for http, and grpc requires an
// explicit port for remote-execution endpoints.
func ParseRemoteSpec(s string) (*RemoteSpec, error) {
	fields := strings.Split(s, ",")
	if len(fields) == 0 || fields[0] == "" {
		return nil, fmt.Errorf("cas: empty remote spec")
	}

	spec := &RemoteSpec{URL: fields[0], Kind: RemoteStorage}
	for _, f := range fields[1:] {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("cas: malformed remote spec field %q", f)
		}
		key, val := kv[0], kv[1]
		switch key {
		case "instance-name":
			spec.InstanceName = val
		case "type":
			switch val {
			case "index":
				spec.Kind = RemoteIndex
			case "storage":
				spec.Kind = RemoteStorage
			case "all":
				spec.Kind = RemoteEndpoint
			default:
				return nil, fmt.Errorf("cas: unknown remote type %q", val)
			}
		case "push":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("cas: invalid push value %q: %w", val, err)
			}
			spec.Push = b
		case "server-cert":
			spec.ServerCert = val
		case "client-key":
			spec.ClientKey = val
		case "client-cert":
			spec.ClientCert = val
		default:
			return nil, fmt.Errorf("cas: unknown remote spec field %q", key)
		}
	}

	if (spec.ClientKey == "") != (spec.ClientCert == "") {
		return nil, fmt.Errorf("cas: client-key and client-cert must be set together")
	}

	if err := spec.resolveEndpoint(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (spec *RemoteSpec) resolveEndpoint() error {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return fmt.Errorf("cas: invalid remote url %q: %w", spec.URL, err)
	}
	spec.Scheme = u.Scheme
	spec.Host = u.Hostname()

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("cas: invalid port in %q: %w", spec.URL, err)
		}
		spec.Port = port
		return nil
	}

	switch u.Scheme {
	case "https":
		spec.Port = 443
	case "http":
		spec.Port = 80
	case "grpc", "grpcs":
		if spec.Kind == RemoteEndpoint {
			return fmt.Errorf("cas: remote-execution endpoint %q requires an explicit port", spec.URL)
		}
		spec.Port = 443
	default:
		return fmt.Errorf("cas: unsupported scheme %q in %q", u.Scheme, spec.URL)
	}
	return nil
}

// TLSConfigured reports whether spec carries any mTLS material.
func (spec *RemoteSpec) TLSConfigured() bool {
	return spec.ServerCert != "" || spec.ClientCert != ""
}
