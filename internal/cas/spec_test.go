package cas_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/buildstream-core/bstcore/internal/cas"
)

func TestParseRemoteSpecDefaults(t *testing.T) {
	spec, err := cas.ParseRemoteSpec("https://cache.example.com")
	assert.NilError(t, err)
	assert.Equal(t, 443, spec.Port)
	assert.Equal(t, cas.RemoteStorage, spec.Kind)
	assert.Check(t, !spec.Push)
}

func TestParseRemoteSpecHTTPDefaultPort(t *testing.T) {
	spec, err := cas.ParseRemoteSpec("http://cache.example.com")
	assert.NilError(t, err)
	assert.Equal(t, 80, spec.Port)
}

func TestParseRemoteSpecExplicitPort(t *testing.T) {
	spec, err := cas.ParseRemoteSpec("https://cache.example.com:9090,type=all,push=true")
	assert.NilError(t, err)
	assert.Equal(t, 9090, spec.Port)
	assert.Equal(t, cas.RemoteEndpoint, spec.Kind)
	assert.Check(t, spec.Push)
}

func TestParseRemoteSpecEndpointRequiresExplicitPort(t *testing.T) {
	_, err := cas.ParseRemoteSpec("grpc://exec.example.com,type=all")
	assert.Check(t, err != nil)
}

func TestParseRemoteSpecClientKeyCertMustBePaired(t *testing.T) {
	_, err := cas.ParseRemoteSpec("https://cache.example.com,client-key=/k.pem")
	assert.Check(t, err != nil)

	spec, err := cas.ParseRemoteSpec("https://cache.example.com,client-key=/k.pem,client-cert=/c.pem")
	assert.NilError(t, err)
	assert.Check(t, spec.TLSConfigured())
}

func TestParseRemoteSpecInstanceName(t *testing.T) {
	spec, err := cas.ParseRemoteSpec("https://cache.example.com,instance-name=main")
	assert.NilError(t, err)
	assert.Equal(t, "main", spec.InstanceName)
}

func TestParseRemoteSpecRejectsUnknownField(t *testing.T) {
	_, err := cas.ParseRemoteSpec("https://cache.example.com,bogus=1")
	assert.Check(t, err != nil)
}
