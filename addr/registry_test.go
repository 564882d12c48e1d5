package addr

import (
	"testing"
	"time"

	"oss.nandlabs.io/gridmesh/testing/assert"
)

func TestRegistryRoleFanOut(t *testing.T) {
	reg := NewRegistry()
	reg.Register("worker", KindRole, FeatureDirectContact, time.Now(), time.Time{})
	reg.Register("worker", KindRole, FeatureDirectContact, time.Now(), time.Time{})
	// Register stores the Address string as both the role key and the
	// reply target; point each entry at a distinct direct-contact address
	// the way two physically distinct workers would register themselves.
	reg.byRole["worker"][0].Address = "tcp::#hostA/nodeA/taskA"
	reg.byRole["worker"][1].Address = "tcp::#hostB/nodeB/taskB"

	role, err := Parse("tcp::@worker")
	assert.NoError(t, err)
	addrs, err := reg.Resolve(role, false)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(addrs))
}

func TestRegistryServiceWildcard(t *testing.T) {
	reg := NewRegistry()
	reg.byRole["worker"] = []*Entry{
		{Address: "tcp::#hostA/nodeA/taskA", Kind: KindRole, Features: FeatureDirectContact, Services: []string{"image.resize"}},
		{Address: "tcp::#hostB/nodeB/taskB", Kind: KindRole, Features: FeatureDirectContact, Services: []string{"image.ocr"}},
	}
	role, _ := Parse("tcp::@worker")
	addrs, err := reg.ResolveService(role, false, "image.*")
	assert.NoError(t, err)
	assert.Equal(t, 2, len(addrs))

	addrs, err = reg.ResolveService(role, false, "image.resize")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(addrs))
}

func TestRegistryExpiry(t *testing.T) {
	reg := NewRegistry()
	past := time.Now().Add(-time.Minute)
	reg.Register("tcp::myname", KindName, 0, time.Now(), past)

	name, _ := Parse("tcp::myname")
	_, err := reg.Resolve(name, false)
	assert.Error(t, err)

	removed := reg.ValidateEntries()
	assert.Equal(t, 1, removed)
}

func TestRegistryUnknownAlias(t *testing.T) {
	reg := NewRegistry()
	raw, _ := Parse("some-unregistered-alias")
	_, err := reg.Resolve(raw, false)
	assert.Error(t, err)
}
